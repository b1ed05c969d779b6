package platform

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sort"
	"strconv"
)

// SettingsOverrides maps override slot id to value; a nil value clears the slot.
type SettingsOverrides map[int64]*int64

type overrideValue struct {
	Value *int64 `json:"value"`
}

// PutSettingsOverrides writes every slot in one call.
func (c *Client) PutSettingsOverrides(ctx context.Context, deviceUID string, values SettingsOverrides) error {
	payload := make(map[string]overrideValue, len(values))
	for slot, v := range values {
		payload[strconv.FormatInt(slot, 10)] = overrideValue{Value: v}
	}
	r, err := jsonRequest("put_settings_overrides", http.MethodPut, "/settingsOverrides/"+url.PathEscape(deviceUID), payload)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, r)
	return err
}

// GetSettingsOverrides reads the device's override values. Both {"slot":{"value":v}} and
// {"slot":v} shapes are accepted; non-numeric values are reported as nil.
func (c *Client) GetSettingsOverrides(ctx context.Context, deviceUID string) (SettingsOverrides, error) {
	body, err := c.do(ctx, request{step: "get_settings_overrides", method: http.MethodGet, path: "/settingsOverrides/" + url.PathEscape(deviceUID)})
	if err != nil {
		return nil, err
	}
	v, _ := decodeAny(body)
	m, _ := v.(map[string]any)
	if inner, ok := path(v, "data"); ok {
		if im, ok := inner.(map[string]any); ok {
			m = im
		}
	}
	out := SettingsOverrides{}
	for k, raw := range m {
		slot, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			continue
		}
		if inner, ok := path(raw, "value"); ok {
			raw = inner
		} else if _, isMap := raw.(map[string]any); isMap {
			raw = nil
		}
		if n, ok := toInt64(raw); ok {
			out[slot] = &n
		} else {
			out[slot] = nil
		}
	}
	return out, nil
}

// CreateRollout starts pushing pending configuration to the devices and returns the rollout id.
func (c *Client) CreateRollout(ctx context.Context, deviceUIDs []string) (string, error) {
	r, err := jsonRequest("create_rollout", http.MethodPost, "/rollouts/create", map[string]any{"deviceUids": deviceUIDs})
	if err != nil {
		return "", err
	}
	body, err := c.do(ctx, r)
	if err != nil {
		return "", err
	}
	id, ok := extractString(body)
	if !ok {
		return "", &Error{Kind: KindRequest, Step: r.step, Method: r.method, Path: r.path, Sample: sample(body)}
	}
	return id, nil
}

// GetRollout returns the rollout-level status string.
func (c *Client) GetRollout(ctx context.Context, rolloutID string) (string, error) {
	body, err := c.do(ctx, request{step: "get_rollout", method: http.MethodGet, path: "/rollouts/" + url.PathEscape(rolloutID)})
	if err != nil {
		return "", err
	}
	v, _ := decodeAny(body)
	return statusOf(v), nil
}

// RolloutDeviceStatus returns the device-level status for the rollout, "" when the platform has none yet.
func (c *Client) RolloutDeviceStatus(ctx context.Context, rolloutID, deviceUID string) (string, error) {
	filter, _ := json.Marshal(map[string]string{"rolloutId": rolloutID, "deviceUid": deviceUID})
	body, err := c.do(ctx, request{step: "rollout_devices", method: http.MethodGet, path: "/rollouts/devices?filter=" + url.QueryEscape(string(filter))})
	if err != nil {
		return "", err
	}
	v, _ := decodeAny(body)
	for _, steps := range [][]any{{}, {"data"}, {"items"}} {
		raw, ok := list(v, steps...)
		if !ok {
			continue
		}
		for _, item := range raw.([]any) {
			uid := ""
			for _, k := range []string{"deviceUid", "uid", "imei"} {
				if f, ok := path(item, k); ok {
					uid = toString(f)
					break
				}
			}
			if uid == "" || uid == deviceUID {
				return statusOf(item), nil
			}
		}
	}
	return "", nil
}

func statusOf(v any) string {
	for _, steps := range [][]any{{"status"}, {"state"}, {"data", "status"}, {"data", "state"}} {
		if raw, ok := path(v, steps...); ok {
			if s := toString(raw); s != "" {
				return s
			}
		}
	}
	return ""
}

// DeviceConfig is the configuration template currently attached to a device.
type DeviceConfig struct {
	DeviceUID    string
	TemplateID   int64
	TemplateName string
	DealerID     string
}

func (c *Client) ConfigsForDevices(ctx context.Context, deviceUIDs []string) ([]DeviceConfig, error) {
	r, err := jsonRequest("configs_for_devices", http.MethodPost, "/configs/forDevices", map[string]any{"deviceUids": deviceUIDs})
	if err != nil {
		return nil, err
	}
	body, err := c.do(ctx, r)
	if err != nil {
		return nil, err
	}
	v, _ := decodeAny(body)
	var out []DeviceConfig
	for _, steps := range [][]any{{}, {"data"}, {"items"}} {
		raw, ok := list(v, steps...)
		if !ok {
			continue
		}
		for _, item := range raw.([]any) {
			var dc DeviceConfig
			dc.DeviceUID = firstString(item, "deviceUid", "uid")
			dc.TemplateName = firstString(item, "templateName", "userTemplateName", "configName")
			dc.DealerID = firstString(item, "dealerId")
			for _, k := range []string{"templateId", "userTemplateId", "configTemplateId"} {
				if f, ok := path(item, k); ok {
					if id, ok := toInt64(f); ok {
						dc.TemplateID = id
						break
					}
				}
			}
			out = append(out, dc)
		}
		break
	}
	return out, nil
}

func firstString(v any, keys ...string) string {
	for _, k := range keys {
		if f, ok := path(v, k); ok {
			if s := toString(f); s != "" {
				return s
			}
		}
	}
	return ""
}

// Template is a dealer-scoped configuration template.
type Template struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	DealerID string `json:"dealerId,omitempty"`
}

func (c *Client) FilterUserTemplates(ctx context.Context, dealerID, name string) ([]Template, error) {
	r, err := jsonRequest("filter_user_templates", http.MethodPost, "/userTemplates/filter", map[string]any{"dealerId": dealerID, "name": name})
	if err != nil {
		return nil, err
	}
	body, err := c.do(ctx, r)
	if err != nil {
		return nil, err
	}
	v, _ := decodeAny(body)
	var out []Template
	for _, steps := range [][]any{{}, {"data"}, {"items"}} {
		raw, ok := list(v, steps...)
		if !ok {
			continue
		}
		for _, item := range raw.([]any) {
			t := Template{Name: firstString(item, "name"), DealerID: firstString(item, "dealerId")}
			if f, ok := path(item, "id"); ok {
				t.ID, _ = toInt64(f)
			}
			if t.ID > 0 {
				out = append(out, t)
			}
		}
		break
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// TreeNode is one node of a template's settings tree: a category, an element group or an element.
// Categories and element groups may arrive with children omitted and need a follow-up fetch.
type TreeNode struct {
	ID            int64      `json:"id"`
	Name          string     `json:"name,omitempty"`
	Label         string     `json:"label,omitempty"`
	Key           string     `json:"key,omitempty"`
	Tags          []string   `json:"tags,omitempty"`
	Categories    []TreeNode `json:"categories,omitempty"`
	ElementGroups []TreeNode `json:"elementGroups,omitempty"`
	Elements      []TreeNode `json:"elements,omitempty"`
}

// Leaf reports whether the node has no children loaded.
func (n TreeNode) Leaf() bool {
	return len(n.Categories) == 0 && len(n.ElementGroups) == 0 && len(n.Elements) == 0
}

func (c *Client) TemplateTree(ctx context.Context, templateID int64) (TreeNode, error) {
	return c.getNode(ctx, "template_tree", "/userTemplates/"+strconv.FormatInt(templateID, 10)+"/GetTree")
}

func (c *Client) TemplateCategory(ctx context.Context, templateID, categoryID int64) (TreeNode, error) {
	return c.getNode(ctx, "template_category", categoryPath(templateID, categoryID))
}

func (c *Client) TemplateElementGroup(ctx context.Context, templateID, categoryID, groupID int64) (TreeNode, error) {
	return c.getNode(ctx, "template_element_group", categoryPath(templateID, categoryID)+"/elementGroups/"+strconv.FormatInt(groupID, 10))
}

func (c *Client) getNode(ctx context.Context, step, p string) (TreeNode, error) {
	body, err := c.do(ctx, request{step: step, method: http.MethodGet, path: p})
	if err != nil {
		return TreeNode{}, err
	}
	var envelope struct {
		Data *TreeNode `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Data != nil {
		return *envelope.Data, nil
	}
	var n TreeNode
	if err := json.Unmarshal(body, &n); err != nil {
		return TreeNode{}, &Error{Kind: KindRequest, Step: step, Method: http.MethodGet, Path: p, Sample: sample(body), Err: err}
	}
	return n, nil
}

func categoryPath(templateID, categoryID int64) string {
	return "/userTemplates/" + strconv.FormatInt(templateID, 10) + "/categories/" + strconv.FormatInt(categoryID, 10)
}
