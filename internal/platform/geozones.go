package platform

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
)

// Group is a remote geozone group.
type Group struct {
	ID         int64
	Name       string
	GeozoneIDs []int64
}

func kmlUpload(step, path, name string, kml []byte) (request, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name+".kml"))
	h.Set("Content-Type", "application/vnd.google-earth.kml+xml")
	part, err := mw.CreatePart(h)
	if err != nil {
		return request{}, err
	}
	if _, err := part.Write(kml); err != nil {
		return request{}, err
	}
	if err := mw.WriteField("name", name); err != nil {
		return request{}, err
	}
	if err := mw.Close(); err != nil {
		return request{}, err
	}
	return request{step: step, method: http.MethodPost, path: path, body: buf.Bytes(), contentType: mw.FormDataContentType()}, nil
}

// ImportGeozones uploads a KML document and returns the created geozone ids in placemark order.
func (c *Client) ImportGeozones(ctx context.Context, name string, kml []byte) ([]int64, error) {
	r, err := kmlUpload("import_geozones", "/geozones/import", name, kml)
	if err != nil {
		return nil, err
	}
	body, err := c.do(ctx, r)
	if err != nil {
		return nil, err
	}
	ids := extractIDs(body)
	if len(ids) == 0 {
		return nil, &Error{Kind: KindRequest, Step: r.step, Method: r.method, Path: r.path, Sample: sample(body), Err: fmt.Errorf("no geozone ids in response")}
	}
	return ids, nil
}

// DeleteGeozone removes a geozone; a missing geozone counts as deleted.
func (c *Client) DeleteGeozone(ctx context.Context, id int64) error {
	_, err := c.do(ctx, request{step: "delete_geozone", method: http.MethodDelete, path: "/geozones/" + strconv.FormatInt(id, 10)})
	if err != nil && IsNotFound(err) {
		return nil
	}
	return err
}

func (c *Client) RenameGeozone(ctx context.Context, id int64, name string) error {
	r, err := jsonRequest("rename_geozone", http.MethodPut, "/geozones/"+strconv.FormatInt(id, 10), map[string]any{"name": name})
	if err != nil {
		return err
	}
	_, err = c.do(ctx, r)
	return err
}

// CreateGroup returns the new group id, or 0 when the response carries no recognizable id.
func (c *Client) CreateGroup(ctx context.Context, name string) (int64, error) {
	r, err := jsonRequest("create_group", http.MethodPost, "/geozonegroups", map[string]any{"name": name})
	if err != nil {
		return 0, err
	}
	body, err := c.do(ctx, r)
	if err != nil {
		return 0, err
	}
	id, _, _ := extractID(body)
	return id, nil
}

func (c *Client) UpdateGroup(ctx context.Context, id int64, name string) error {
	r, err := jsonRequest("update_group", http.MethodPut, groupPath(id), map[string]any{"name": name})
	if err != nil {
		return err
	}
	_, err = c.do(ctx, r)
	return err
}

func (c *Client) GetGroup(ctx context.Context, id int64) (Group, error) {
	body, err := c.do(ctx, request{step: "get_group", method: http.MethodGet, path: groupPath(id)})
	if err != nil {
		return Group{}, err
	}
	v, _ := decodeAny(body)
	if inner, ok := path(v, "data"); ok {
		if _, isMap := inner.(map[string]any); isMap {
			v = inner
		}
	}
	g := parseGroup(v)
	if g.ID == 0 {
		g.ID = id
	}
	return g, nil
}

func parseGroup(v any) Group {
	var g Group
	if raw, ok := path(v, "id"); ok {
		g.ID, _ = toInt64(raw)
	}
	if raw, ok := path(v, "name"); ok {
		g.Name = toString(raw)
	}
	for _, key := range []string{"geozoneIds", "geozones"} {
		raw, ok := list(v, key)
		if !ok {
			continue
		}
		for _, item := range raw.([]any) {
			if id, ok := toInt64(item); ok {
				g.GeozoneIDs = append(g.GeozoneIDs, id)
			} else if f, ok := path(item, "id"); ok {
				if id, ok := toInt64(f); ok {
					g.GeozoneIDs = append(g.GeozoneIDs, id)
				}
			}
		}
		break
	}
	return g
}

// FindGroupsByName lists groups whose name matches exactly.
func (c *Client) FindGroupsByName(ctx context.Context, name string) ([]Group, error) {
	body, err := c.do(ctx, request{step: "find_groups", method: http.MethodGet, path: "/geozonegroups/filter?Name=" + url.QueryEscape(name)})
	if err != nil {
		return nil, err
	}
	v, _ := decodeAny(body)
	var items []any
	for _, steps := range [][]any{{}, {"data"}, {"items"}} {
		if raw, ok := list(v, steps...); ok {
			items = raw.([]any)
			break
		}
	}
	var out []Group
	for _, item := range items {
		g := parseGroup(item)
		if g.ID > 0 && g.Name == name {
			out = append(out, g)
		}
	}
	return out, nil
}

func (c *Client) AddGroupGeozones(ctx context.Context, groupID int64, ids []int64) error {
	r, err := jsonRequest("add_group_geozones", http.MethodPost, groupPath(groupID)+"/geozones", map[string]any{"geozoneIds": ids})
	if err != nil {
		return err
	}
	_, err = c.do(ctx, r)
	return err
}

func (c *Client) RemoveGroupGeozones(ctx context.Context, groupID int64, ids []int64) error {
	r, err := jsonRequest("remove_group_geozones", http.MethodDelete, groupPath(groupID)+"/geozones", map[string]any{"geozoneIds": ids})
	if err != nil {
		return err
	}
	_, err = c.do(ctx, r)
	return err
}

// ImportGroupGeozones bulk-imports a KML document straight into a group.
func (c *Client) ImportGroupGeozones(ctx context.Context, groupID int64, name string, kml []byte) ([]int64, error) {
	r, err := kmlUpload("import_group_geozones", groupPath(groupID)+"/importGeozones", name, kml)
	if err != nil {
		return nil, err
	}
	body, err := c.do(ctx, r)
	if err != nil {
		return nil, err
	}
	return extractIDs(body), nil
}

func groupPath(id int64) string { return "/geozonegroups/" + strconv.FormatInt(id, 10) }
