package jira

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"triagebot/internal/domain"
	"triagebot/internal/textutil"
)

const defaultPageSize = 50

// Client is the ticket store backed by the Jira REST API v2.
type Client struct {
	BaseURL string
	Token   string
	// FieldMap maps engine field names onto Jira field ids. Unmapped fields
	// are sent under their own name.
	FieldMap map[string]string
	HTTP     *http.Client
	Logger   *zap.Logger
	PageSize int
}

func New(baseURL, token string, fieldMap map[string]string, httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		Token:    token,
		FieldMap: fieldMap,
		HTTP:     httpClient,
		Logger:   logger.Named("jira"),
		PageSize: defaultPageSize,
	}
}

type searchResponse struct {
	StartAt    int         `json:"startAt"`
	MaxResults int         `json:"maxResults"`
	Total      int         `json:"total"`
	Issues     []issueJSON `json:"issues"`
}

type issueJSON struct {
	Key    string                     `json:"key"`
	Fields map[string]json.RawMessage `json:"fields"`
}

type errorResponse struct {
	ErrorMessages []string          `json:"errorMessages"`
	Errors        map[string]string `json:"errors"`
}

// QueryTickets runs a JQL search and pages through every match.
func (c *Client) QueryTickets(ctx context.Context, jql string) ([]domain.Ticket, error) {
	pageSize := c.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	fields := c.searchFields()

	var tickets []domain.Ticket
	startAt := 0
	c.Logger.Info("jira search start", zap.String("jql", jql))
	for {
		q := url.Values{}
		q.Set("jql", jql)
		q.Set("startAt", fmt.Sprint(startAt))
		q.Set("maxResults", fmt.Sprint(pageSize))
		q.Set("fields", strings.Join(fields, ","))

		var page searchResponse
		if err := c.do(ctx, http.MethodGet, "/rest/api/2/search?"+q.Encode(), nil, &page); err != nil {
			return nil, fmt.Errorf("jira search: %w", err)
		}
		for _, issue := range page.Issues {
			tickets = append(tickets, c.toTicket(issue))
		}

		startAt += len(page.Issues)
		if len(page.Issues) == 0 || startAt >= page.Total {
			break
		}
	}
	c.Logger.Info("jira search done", zap.Int("total", len(tickets)))
	return tickets, nil
}

// FieldValue reads the live value of one field.
func (c *Client) FieldValue(ctx context.Context, key, field string) (domain.Value, error) {
	jiraField := c.jiraField(field)
	var issue issueJSON
	path := fmt.Sprintf("/rest/api/2/issue/%s?fields=%s", url.PathEscape(key), url.QueryEscape(jiraField))
	if err := c.do(ctx, http.MethodGet, path, nil, &issue); err != nil {
		return "", fmt.Errorf("jira read %s %s: %w", key, field, err)
	}
	return decodeField(issue.Fields[jiraField]), nil
}

// UpdateField writes one field through the issue edit endpoint.
func (c *Client) UpdateField(ctx context.Context, key, field string, value domain.Value) error {
	jiraField := c.jiraField(field)
	body := map[string]any{
		"fields": map[string]any{jiraField: c.payload(field, jiraField, value)},
	}
	path := fmt.Sprintf("/rest/api/2/issue/%s", url.PathEscape(key))
	if err := c.do(ctx, http.MethodPut, path, body, nil); err != nil {
		return fmt.Errorf("jira update %s %s: %w", key, field, err)
	}
	c.Logger.Info("jira field updated", zap.String("ticket", key), zap.String("field", field), zap.String("jira_field", jiraField))
	return nil
}

func (c *Client) jiraField(field string) string {
	if mapped, ok := c.FieldMap[field]; ok && mapped != "" {
		return mapped
	}
	return field
}

func (c *Client) searchFields() []string {
	set := map[string]bool{"summary": true, "description": true, "components": true}
	for _, f := range c.FieldMap {
		set[f] = true
	}
	fields := make([]string, 0, len(set))
	for f := range set {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

// payload shapes a value the way Jira expects it: components as a list of
// named objects, custom select fields (team) as a named object.
func (c *Client) payload(field, jiraField string, value domain.Value) any {
	switch {
	case jiraField == "components" || jiraField == "labels" || jiraField == "fixVersions":
		parts := value.Split()
		if jiraField == "labels" {
			return parts
		}
		named := make([]map[string]string, 0, len(parts))
		for _, p := range parts {
			named = append(named, map[string]string{"name": p})
		}
		return named
	case strings.HasPrefix(jiraField, "customfield_") && field == "team":
		return map[string]string{"name": string(value)}
	}
	return string(value)
}

func (c *Client) toTicket(issue issueJSON) domain.Ticket {
	t := domain.Ticket{
		Key:    issue.Key,
		Fields: map[string]domain.Value{},
	}
	_ = json.Unmarshal(issue.Fields["summary"], &t.Summary)
	_ = json.Unmarshal(issue.Fields["description"], &t.Description)

	logical := map[string]string{"components": "components"}
	for engineField, jiraField := range c.FieldMap {
		logical[engineField] = jiraField
	}
	// Every requested field is recorded, empty or not, so the engine can
	// tell "unset in Jira" from "not read".
	for engineField, jiraField := range logical {
		t.Fields[engineField] = decodeField(issue.Fields[jiraField])
	}
	return t
}

// decodeField flattens the shapes Jira returns for a field value: plain
// strings, {"name"}/{"value"} objects and arrays of either.
func decodeField(raw json.RawMessage) domain.Value {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return domain.Value(strings.TrimSpace(s))
	}
	var obj struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		if obj.Name != "" {
			return domain.Value(obj.Name)
		}
		return domain.Value(obj.Value)
	}
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err == nil {
		parts := make([]string, 0, len(list))
		for _, item := range list {
			if v := decodeField(item); v != "" {
				parts = append(parts, string(v))
			}
		}
		return domain.JoinValue(parts)
	}
	return ""
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	respBody, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp.StatusCode, respBody)
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}

func statusError(status int, body []byte) *domain.ErrorDetail {
	msg := strings.TrimSpace(string(body))
	var parsed errorResponse
	if err := json.Unmarshal(body, &parsed); err == nil {
		parts := append([]string(nil), parsed.ErrorMessages...)
		keys := make([]string, 0, len(parsed.Errors))
		for k := range parsed.Errors {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s: %s", k, parsed.Errors[k]))
		}
		if len(parts) > 0 {
			msg = strings.Join(parts, "; ")
		}
	}
	msg = textutil.Truncate(msg, 300)
	if msg == "" {
		msg = http.StatusText(status)
	}
	return domain.NewErrorDetail(domain.KindForStatus(status), status, msg)
}

var orderByRe = regexp.MustCompile(`(?i)\s+order\s+by\s+`)

// ExcludeKeys narrows a JQL filter so the listed tickets are not returned.
// A trailing ORDER BY clause is kept at the end.
func ExcludeKeys(jql string, keys []string) string {
	if len(keys) == 0 {
		return jql
	}
	where, order := jql, ""
	if loc := orderByRe.FindStringIndex(jql); loc != nil {
		where, order = jql[:loc[0]], jql[loc[0]:]
	}
	where = strings.TrimSpace(where)

	clause := fmt.Sprintf("key not in (%s)", strings.Join(keys, ", "))
	if where == "" {
		return clause + order
	}
	return fmt.Sprintf("(%s) AND %s%s", where, clause, order)
}
