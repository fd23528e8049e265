package feishu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/yxzhu/redpost/internal/storage"
)

// Bitable field names match the review table schema the operators see.
const (
	fieldItemID  = "内容ID"
	fieldTitle   = "标题"
	fieldBody    = "正文"
	fieldTags    = "标签"
	fieldStatus  = "状态"
	fieldNoteID  = "笔记ID"
	fieldShare   = "分享链接"
	fieldActor   = "审核人"
	fieldCreated = "创建时间"
)

// Review statuses stored in the bitable status column.
const (
	BitableStatusPending   = "待审核"
	BitableStatusApproved  = "已通过"
	BitableStatusPublished = "已发布"
	BitableStatusFailed    = "发布失败"
)

// Bitable reads and writes the multi-dimensional review table. Editors
// flip a row to 已通过; the poller picks that up as an approve event.
type Bitable struct {
	client   *Client
	appToken string
	tableID  string
}

func NewBitable(client *Client, appToken, tableID string) *Bitable {
	return &Bitable{client: client, appToken: appToken, tableID: tableID}
}

// ReviewRecord is one bitable row relevant to the pipeline.
type ReviewRecord struct {
	RecordID string
	ItemID   string
	Actor    string
	Status   string
}

func (b *Bitable) recordsURL(suffix string) string {
	return fmt.Sprintf("%s/open-apis/bitable/v1/apps/%s/tables/%s/records%s",
		b.client.baseURL, b.appToken, b.tableID, suffix)
}

func (b *Bitable) do(ctx context.Context, method, url string, payload any, out any) error {
	token, err := b.client.TenantAccessToken(ctx)
	if err != nil {
		return err
	}

	var bodyReader *bytes.Reader
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshalling bitable request: %w", err)
		}
		bodyReader = bytes.NewReader(body)
	} else {
		bodyReader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := b.client.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("bitable request: %w", err)
	}
	defer resp.Body.Close()

	var envelope struct {
		Code int             `json:"code"`
		Msg  string          `json:"msg"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decoding bitable response: %w", err)
	}
	if envelope.Code != 0 {
		return fmt.Errorf("bitable request failed: code %d: %s", envelope.Code, envelope.Msg)
	}
	if out != nil && envelope.Data != nil {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("decoding bitable data: %w", err)
		}
	}
	return nil
}

// CreateRecord mirrors a freshly generated item into the review table
// and returns the record id.
func (b *Bitable) CreateRecord(ctx context.Context, item storage.WorkItem) (string, error) {
	payload := map[string]any{
		"fields": map[string]any{
			fieldItemID:  item.ID,
			fieldTitle:   item.Title,
			fieldBody:    item.Body,
			fieldTags:    strings.Join(item.Tags, ", "),
			fieldStatus:  BitableStatusPending,
			fieldCreated: item.CreatedAt.Local().Format("2006-01-02 15:04:05"),
		},
	}

	var data struct {
		Record struct {
			RecordID string `json:"record_id"`
		} `json:"record"`
	}
	if err := b.do(ctx, http.MethodPost, b.recordsURL(""), payload, &data); err != nil {
		return "", err
	}
	return data.Record.RecordID, nil
}

// ListApproved returns rows an editor has flipped to 已通过.
func (b *Bitable) ListApproved(ctx context.Context) ([]ReviewRecord, error) {
	filter, err := json.Marshal(map[string]any{
		"conditions": []map[string]any{
			{"field_name": fieldStatus, "operator": "is", "value": []string{BitableStatusApproved}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshalling filter: %w", err)
	}
	payload := map[string]any{"filter": string(filter)}

	var data struct {
		Items []struct {
			RecordID string         `json:"record_id"`
			Fields   map[string]any `json:"fields"`
		} `json:"items"`
	}
	if err := b.do(ctx, http.MethodPost, b.recordsURL("/search"), payload, &data); err != nil {
		return nil, err
	}

	records := make([]ReviewRecord, 0, len(data.Items))
	for _, it := range data.Items {
		records = append(records, ReviewRecord{
			RecordID: it.RecordID,
			ItemID:   fieldString(it.Fields, fieldItemID),
			Actor:    fieldString(it.Fields, fieldActor),
			Status:   fieldString(it.Fields, fieldStatus),
		})
	}
	return records, nil
}

// UpdateStatus writes the publish result back onto a review row.
func (b *Bitable) UpdateStatus(ctx context.Context, recordID, status, noteID, shareURL string) error {
	fields := map[string]any{fieldStatus: status}
	if noteID != "" {
		fields[fieldNoteID] = noteID
	}
	if shareURL != "" {
		fields[fieldShare] = shareURL
	}

	payload := map[string]any{"fields": fields}
	return b.do(ctx, http.MethodPut, b.recordsURL("/"+recordID), payload, nil)
}

// fieldString extracts a bitable field as plain text; text fields may
// arrive as a string or as a list of rich-text segments.
func fieldString(fields map[string]any, name string) string {
	switch v := fields[name].(type) {
	case string:
		return v
	case []any:
		var sb strings.Builder
		for _, seg := range v {
			if m, ok := seg.(map[string]any); ok {
				if text, ok := m["text"].(string); ok {
					sb.WriteString(text)
				}
			}
		}
		return sb.String()
	default:
		return ""
	}
}
