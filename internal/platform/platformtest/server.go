// Package platformtest runs an in-memory fake of the remote platform for tests.
package platformtest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"fleetsync/internal/platform"
)

const (
	ClientID     = "fleet-client"
	ClientSecret = "fleet-secret"
	TemplateID   = 700
	TemplateName = "FMB Fleet"
	DealerID     = "dealer-1"
)

// Slot ids exposed by the default template tree.
const (
	SlotItinerary int64 = 9101
	SlotTargets   int64 = 9102
	SlotEntry     int64 = 9103
	SlotSignature int64 = 9104
)

type group struct {
	name    string
	members map[int64]bool
}

type failure struct {
	method, prefix string
	status         int
	body           string
	times          int
}

// Server is a fake platform. Exported fields may be set before the first request;
// use the accessor methods afterwards.
type Server struct {
	*httptest.Server

	// DenyIncrementalMembership makes add/remove group geozone calls fail with a no-permission marker.
	DenyIncrementalMembership bool
	// CreateGroupWithoutID makes group creation return an empty body.
	CreateGroupWithoutID bool
	// LazyTree omits category children from GetTree so the client must fetch them.
	LazyTree bool
	// RolloutStatus is reported for every rollout at both device and rollout level.
	RolloutStatus string

	mu        sync.Mutex
	nextID    int64
	tokens    map[string]bool
	geozones  map[int64]string
	groups    map[int64]*group
	overrides map[string]map[int64]*int64
	rollouts  map[string]string
	devices   map[string]platform.DeviceConfig
	templates []platform.Template
	trees     map[int64]platform.TreeNode
	calls     map[string]int
	mutations int
	failures  []*failure
}

// New starts a fake with one template (TemplateID) whose tree exposes the default slots,
// and registers it for cleanup.
func New(t testing.TB) *Server {
	s := &Server{
		RolloutStatus: "in_progress",
		nextID:        1000,
		tokens:        map[string]bool{},
		geozones:      map[int64]string{},
		groups:        map[int64]*group{},
		overrides:     map[string]map[int64]*int64{},
		rollouts:      map[string]string{},
		devices:       map[string]platform.DeviceConfig{},
		templates:     []platform.Template{{ID: TemplateID, Name: TemplateName, DealerID: DealerID}},
		trees:         map[int64]platform.TreeNode{TemplateID: DefaultTree()},
		calls:         map[string]int{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth/token", s.token)
	mux.HandleFunc("POST /geozones/import", s.auth(s.importGeozones))
	mux.HandleFunc("DELETE /geozones/{id}", s.auth(s.deleteGeozone))
	mux.HandleFunc("PUT /geozones/{id}", s.auth(s.renameGeozone))
	mux.HandleFunc("POST /geozonegroups", s.auth(s.createGroup))
	mux.HandleFunc("GET /geozonegroups/filter", s.auth(s.filterGroups))
	mux.HandleFunc("GET /geozonegroups/{id}", s.auth(s.getGroup))
	mux.HandleFunc("PUT /geozonegroups/{id}", s.auth(s.updateGroup))
	mux.HandleFunc("POST /geozonegroups/{id}/geozones", s.auth(s.addMembers))
	mux.HandleFunc("DELETE /geozonegroups/{id}/geozones", s.auth(s.removeMembers))
	mux.HandleFunc("POST /geozonegroups/{id}/importGeozones", s.auth(s.importIntoGroup))
	mux.HandleFunc("PUT /settingsOverrides/{uid}", s.auth(s.putOverrides))
	mux.HandleFunc("GET /settingsOverrides/{uid}", s.auth(s.getOverrides))
	mux.HandleFunc("POST /rollouts/create", s.auth(s.createRollout))
	mux.HandleFunc("GET /rollouts/devices", s.auth(s.rolloutDevices))
	mux.HandleFunc("GET /rollouts/{id}", s.auth(s.getRollout))
	mux.HandleFunc("POST /configs/forDevices", s.auth(s.configsForDevices))
	mux.HandleFunc("POST /userTemplates/filter", s.auth(s.filterTemplates))
	mux.HandleFunc("GET /userTemplates/{tid}/GetTree", s.auth(s.getTree))
	mux.HandleFunc("GET /userTemplates/{tid}/categories/{cid}", s.auth(s.getCategory))
	mux.HandleFunc("GET /userTemplates/{tid}/categories/{cid}/elementGroups/{gid}", s.auth(s.getElementGroup))
	s.Server = httptest.NewServer(s.count(mux))
	t.Cleanup(s.Close)
	return s
}

// DefaultTree is a template tree with a "geofencing" category holding the three group slots and the signature slot.
func DefaultTree() platform.TreeNode {
	return platform.TreeNode{
		ID:   TemplateID,
		Name: TemplateName,
		Categories: []platform.TreeNode{
			{ID: 10, Name: "System", Elements: []platform.TreeNode{{ID: 8001, Label: "Sleep mode"}}},
			{ID: 20, Name: "Geofencing", Tags: []string{"geofencing"}, ElementGroups: []platform.TreeNode{
				{ID: 21, Name: "Geozone groups", Elements: []platform.TreeNode{
					{ID: SlotItinerary, Label: "GeozoneGroup1"},
					{ID: SlotTargets, Label: "GeozoneGroup2"},
					{ID: SlotEntry, Label: "GeozoneGroup3"},
				}},
				{ID: 22, Name: "Itinerary", Elements: []platform.TreeNode{{ID: SlotSignature, Label: "ItinerarySignature"}}},
			}},
		},
	}
}

// Config returns client settings pointing at the fake with fast retries.
func (s *Server) Config() platform.Config {
	return platform.Config{
		BaseURL:      s.URL,
		ClientID:     ClientID,
		ClientSecret: ClientSecret,
		AuthMode:     platform.AuthModeForm,
		Timeout:      5 * time.Second,
		MaxAttempts:  3,
		RetryBase:    time.Millisecond,
	}
}

// AddDevice registers a device attached to the default template.
func (s *Server) AddDevice(uid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[uid] = platform.DeviceConfig{DeviceUID: uid, TemplateID: TemplateID, TemplateName: TemplateName, DealerID: DealerID}
}

// SetTree replaces the tree served for the template id.
func (s *Server) SetTree(templateID int64, tree platform.TreeNode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trees[templateID] = tree
}

// SetRolloutStatus changes the status reported for every rollout.
func (s *Server) SetRolloutStatus(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.RolloutStatus = status
}

// FailNext makes the next n requests matching method and path prefix fail with status and body.
func (s *Server) FailNext(method, pathPrefix string, status, n int, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, &failure{method: method, prefix: pathPrefix, status: status, body: body, times: n})
}

// ExpireTokens invalidates every issued token.
func (s *Server) ExpireTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = map[string]bool{}
}

// Calls returns how many requests hit "METHOD /path".
func (s *Server) Calls(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[key]
}

// Mutations counts successful create/update/delete calls on geozones, groups, overrides and rollouts.
func (s *Server) Mutations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mutations
}

func (s *Server) GeozoneCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.geozones)
}

func (s *Server) GeozoneName(id int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.geozones[id]
}

// GroupMembers returns the sorted member ids of a group, nil if the group does not exist.
func (s *Server) GroupMembers(id int64) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.groups[id]
	if g == nil {
		return nil
	}
	return sortedIDs(g.members)
}

// Overrides returns a copy of the device's override values.
func (s *Server) Overrides(uid string) map[int64]*int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[int64]*int64{}
	for k, v := range s.overrides[uid] {
		out[k] = v
	}
	return out
}

func (s *Server) count(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls[r.Method+" "+r.URL.Path]++
		var hit *failure
		for _, f := range s.failures {
			if f.times > 0 && f.method == r.Method && strings.HasPrefix(r.URL.Path, f.prefix) {
				f.times--
				hit = f
				break
			}
		}
		s.mu.Unlock()
		if hit != nil {
			w.Header().Set("Content-Type", "application/json")
			if hit.status == http.StatusTooManyRequests {
				w.Header().Set("Retry-After", "0")
			}
			w.WriteHeader(hit.status)
			_, _ = io.WriteString(w, hit.body)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) token(w http.ResponseWriter, r *http.Request) {
	id, secret, basic := r.BasicAuth()
	if !basic {
		_ = r.ParseForm()
		id, secret = r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
	}
	if id != ClientID || secret != ClientSecret {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid_client", "error_description": "bad credentials"})
		return
	}
	s.mu.Lock()
	s.nextID++
	tok := fmt.Sprintf("tok-%d", s.nextID)
	s.tokens[tok] = true
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"access_token": tok, "token_type": "bearer", "expires_in": 3600})
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		s.mu.Lock()
		ok := s.tokens[tok]
		s.mu.Unlock()
		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"message": "token expired"})
			return
		}
		next(w, r)
	}
}

func (s *Server) newID() int64 {
	s.nextID++
	return s.nextID
}

func placemarkNames(r *http.Request) ([]string, string, error) {
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		return nil, "", err
	}
	f, _, err := r.FormFile("file")
	if err != nil {
		return nil, "", err
	}
	defer f.Close()
	b, err := io.ReadAll(f)
	if err != nil {
		return nil, "", err
	}
	doc := string(b)
	var names []string
	for _, chunk := range strings.Split(doc, "<Placemark>")[1:] {
		name := ""
		if i := strings.Index(chunk, "<name>"); i >= 0 {
			if j := strings.Index(chunk[i:], "</name>"); j >= 0 {
				name = chunk[i+len("<name>") : i+j]
			}
		}
		names = append(names, name)
	}
	return names, r.FormValue("name"), nil
}

func (s *Server) importGeozones(w http.ResponseWriter, r *http.Request) {
	names, _, err := placemarkNames(r)
	if err != nil || len(names) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": "invalid kml"})
		return
	}
	s.mu.Lock()
	ids := make([]int64, len(names))
	for i, n := range names {
		ids[i] = s.newID()
		s.geozones[ids[i]] = n
	}
	s.mutations++
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"ids": ids})
}

func (s *Server) deleteGeozone(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(r.PathValue("id"), 10, 64)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.geozones[id]; !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"message": "geozone not found"})
		return
	}
	delete(s.geozones, id)
	for _, g := range s.groups {
		delete(g.members, id)
	}
	s.mutations++
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) renameGeozone(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(r.PathValue("id"), 10, 64)
	var body struct {
		Name string `json:"name"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.geozones[id]; !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"message": "geozone not found"})
		return
	}
	s.geozones[id] = body.Name
	s.mutations++
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "name": body.Name})
}

func (s *Server) createGroup(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	s.mu.Lock()
	id := s.newID()
	s.groups[id] = &group{name: body.Name, members: map[int64]bool{}}
	s.mutations++
	noID := s.CreateGroupWithoutID
	s.mu.Unlock()
	if noID {
		writeJSON(w, http.StatusCreated, map[string]any{"success": true})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"data": map[string]any{"id": id, "name": body.Name}})
}

func (s *Server) lookupGroup(w http.ResponseWriter, r *http.Request) (int64, *group) {
	id, _ := strconv.ParseInt(r.PathValue("id"), 10, 64)
	g := s.groups[id]
	if g == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"message": "group not found"})
	}
	return id, g
}

func (s *Server) getGroup(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, g := s.lookupGroup(w, r)
	if g == nil {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "name": g.name, "geozoneIds": sortedIDs(g.members)})
}

func (s *Server) updateGroup(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	s.mu.Lock()
	defer s.mu.Unlock()
	id, g := s.lookupGroup(w, r)
	if g == nil {
		return
	}
	g.name = body.Name
	s.mutations++
	writeJSON(w, http.StatusOK, map[string]any{"id": id})
}

func (s *Server) filterGroups(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("Name")
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []map[string]any{}
	for _, id := range sortedGroupIDs(s.groups) {
		if g := s.groups[id]; g.name == name {
			out = append(out, map[string]any{"id": id, "name": g.name})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": out})
}

func (s *Server) changeMembers(w http.ResponseWriter, r *http.Request, add bool) {
	var body struct {
		GeozoneIDs []int64 `json:"geozoneIds"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.DenyIncrementalMembership {
		writeJSON(w, http.StatusForbidden, map[string]any{"code": "NoPermission", "message": "No permission to edit group geozones"})
		return
	}
	_, g := s.lookupGroup(w, r)
	if g == nil {
		return
	}
	for _, id := range body.GeozoneIDs {
		if add {
			g.members[id] = true
		} else {
			delete(g.members, id)
		}
	}
	s.mutations++
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) addMembers(w http.ResponseWriter, r *http.Request)    { s.changeMembers(w, r, true) }
func (s *Server) removeMembers(w http.ResponseWriter, r *http.Request) { s.changeMembers(w, r, false) }

func (s *Server) importIntoGroup(w http.ResponseWriter, r *http.Request) {
	names, _, err := placemarkNames(r)
	if err != nil || len(names) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": "invalid kml"})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, g := s.lookupGroup(w, r)
	if g == nil {
		return
	}
	ids := make([]int64, len(names))
	for i, n := range names {
		ids[i] = s.newID()
		s.geozones[ids[i]] = n
		g.members[ids[i]] = true
	}
	s.mutations++
	writeJSON(w, http.StatusOK, map[string]any{"ids": ids})
}

func (s *Server) knownDevice(w http.ResponseWriter, uid string) bool {
	if _, ok := s.devices[uid]; !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"message": "Device not found"})
		return false
	}
	return true
}

func (s *Server) putOverrides(w http.ResponseWriter, r *http.Request) {
	uid := r.PathValue("uid")
	var body map[string]struct {
		Value *int64 `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": err.Error()})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.knownDevice(w, uid) {
		return
	}
	if s.overrides[uid] == nil {
		s.overrides[uid] = map[int64]*int64{}
	}
	for k, v := range body {
		slot, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			continue
		}
		s.overrides[uid][slot] = v.Value
	}
	s.mutations++
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getOverrides(w http.ResponseWriter, r *http.Request) {
	uid := r.PathValue("uid")
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.knownDevice(w, uid) {
		return
	}
	out := map[string]any{}
	for k, v := range s.overrides[uid] {
		out[strconv.FormatInt(k, 10)] = map[string]any{"value": v}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) createRollout(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := fmt.Sprintf("r-%d", s.newID())
	s.rollouts[id] = s.RolloutStatus
	s.mutations++
	writeJSON(w, http.StatusOK, map[string]any{"id": id})
}

func (s *Server) rolloutDevices(w http.ResponseWriter, r *http.Request) {
	var filter struct {
		RolloutID string `json:"rolloutId"`
		DeviceUID string `json:"deviceUid"`
	}
	_ = json.Unmarshal([]byte(r.URL.Query().Get("filter")), &filter)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rollouts[filter.RolloutID]; !ok {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, []any{map[string]any{"deviceUid": filter.DeviceUID, "status": s.RolloutStatus}})
}

func (s *Server) getRollout(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rollouts[id]; !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"message": "rollout not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": s.RolloutStatus})
}

func (s *Server) configsForDevices(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DeviceUIDs []string `json:"deviceUids"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []map[string]any{}
	for _, uid := range body.DeviceUIDs {
		if dc, ok := s.devices[uid]; ok {
			out = append(out, map[string]any{"deviceUid": dc.DeviceUID, "templateId": dc.TemplateID, "templateName": dc.TemplateName, "dealerId": dc.DealerID})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) filterTemplates(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DealerID string `json:"dealerId"`
		Name     string `json:"name"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []platform.Template{}
	for _, t := range s.templates {
		if t.Name == body.Name && (body.DealerID == "" || t.DealerID == body.DealerID) {
			out = append(out, t)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": out})
}

func (s *Server) tree(w http.ResponseWriter, r *http.Request) (platform.TreeNode, bool) {
	tid, _ := strconv.ParseInt(r.PathValue("tid"), 10, 64)
	tree, ok := s.trees[tid]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"message": "template not found"})
	}
	return tree, ok
}

func (s *Server) getTree(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tree, ok := s.tree(w, r)
	if !ok {
		return
	}
	if s.LazyTree {
		shallow := tree
		shallow.Categories = nil
		for _, c := range tree.Categories {
			shallow.Categories = append(shallow.Categories, platform.TreeNode{ID: c.ID, Name: c.Name, Tags: c.Tags})
		}
		tree = shallow
	}
	writeJSON(w, http.StatusOK, tree)
}

func findNode(nodes []platform.TreeNode, id int64) (platform.TreeNode, bool) {
	for _, n := range nodes {
		if n.ID == id {
			return n, true
		}
		if got, ok := findNode(append(append(append([]platform.TreeNode{}, n.Categories...), n.ElementGroups...), n.Elements...), id); ok {
			return got, true
		}
	}
	return platform.TreeNode{}, false
}

func (s *Server) getCategory(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tree, ok := s.tree(w, r)
	if !ok {
		return
	}
	cid, _ := strconv.ParseInt(r.PathValue("cid"), 10, 64)
	n, found := findNode(tree.Categories, cid)
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]any{"message": "category not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": n})
}

func (s *Server) getElementGroup(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tree, ok := s.tree(w, r)
	if !ok {
		return
	}
	gid, _ := strconv.ParseInt(r.PathValue("gid"), 10, 64)
	n, found := findNode(tree.Categories, gid)
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]any{"message": "element group not found"})
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func sortedIDs(m map[int64]bool) []int64 {
	out := make([]int64, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sortedGroupIDs(m map[int64]*group) []int64 {
	out := make([]int64, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
