package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"fleetsync/internal/model"
)

// SQL implements Store on database/sql. Records are kept as JSON bodies keyed by their
// composite ids; the columns needed for lookups are duplicated next to the body.
// Queries are written with ? placeholders and rebound for Postgres.
type SQL struct {
	db       *sql.DB
	dialect  string // sqlite | postgres
	isUnique func(error) bool
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS catalog_records (
		kind TEXT NOT NULL,
		client_id TEXT NOT NULL,
		id TEXT NOT NULL,
		body TEXT NOT NULL,
		PRIMARY KEY (kind, client_id, id)
	)`,
	`CREATE TABLE IF NOT EXISTS sync_mappings (
		client_id TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		body TEXT NOT NULL,
		PRIMARY KEY (client_id, entity_type, entity_id)
	)`,
	`CREATE TABLE IF NOT EXISTS group_mappings (
		client_id TEXT NOT NULL,
		scope_id TEXT NOT NULL,
		role TEXT NOT NULL,
		role_index INTEGER NOT NULL,
		body TEXT NOT NULL,
		PRIMARY KEY (client_id, scope_id, role)
	)`,
	`CREATE TABLE IF NOT EXISTS override_elements (
		dealer_id TEXT NOT NULL,
		template_name TEXT NOT NULL,
		override_key TEXT NOT NULL,
		body TEXT NOT NULL,
		PRIMARY KEY (dealer_id, template_name, override_key)
	)`,
	`CREATE TABLE IF NOT EXISTS itinerary_sync_state (
		client_id TEXT NOT NULL,
		itinerary_id TEXT NOT NULL,
		body TEXT NOT NULL,
		PRIMARY KEY (client_id, itinerary_id)
	)`,
	`CREATE TABLE IF NOT EXISTS deployments (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		itinerary_id TEXT NOT NULL,
		vehicle_id TEXT NOT NULL,
		action TEXT NOT NULL,
		status TEXT NOT NULL,
		seq BIGINT NOT NULL,
		body TEXT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS deployments_active_key
		ON deployments (client_id, itinerary_id, vehicle_id, action)
		WHERE status IN ('QUEUED', 'DEPLOYING')`,
	`CREATE INDEX IF NOT EXISTS deployments_status ON deployments (status)`,
	`CREATE INDEX IF NOT EXISTS deployments_pair ON deployments (client_id, itinerary_id, vehicle_id, seq)`,
}

// Migrate creates the tables and indexes if they do not exist.
func (s *SQL) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQL) Close() error { return s.db.Close() }

func (s *SQL) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// rebind converts ? placeholders to $n for Postgres.
func (s *SQL) rebind(q string) string {
	if s.dialect != "postgres" {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQL) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(q), args...)
}

func (s *SQL) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(q), args...)
}

func (s *SQL) getBody(ctx context.Context, out any, q string, args ...any) error {
	var body string
	if err := s.queryRow(ctx, q, args...).Scan(&body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	return json.Unmarshal([]byte(body), out)
}

func listBodies[T any](ctx context.Context, s *SQL, q string, args ...any) ([]T, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []T{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var v T
		if err := json.Unmarshal([]byte(body), &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func toJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	return string(b), err
}

// Catalog

const (
	kindClient    = "client"
	kindGeofence  = "geofence"
	kindRoute     = "route"
	kindItinerary = "itinerary"
	kindVehicle   = "vehicle"
)

func (s *SQL) putRecord(ctx context.Context, kind, clientID, id string, v any) error {
	body, err := toJSON(v)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `INSERT INTO catalog_records (kind, client_id, id, body) VALUES (?, ?, ?, ?)
		ON CONFLICT (kind, client_id, id) DO UPDATE SET body = excluded.body`, kind, clientID, id, body)
	return err
}

func (s *SQL) getRecord(ctx context.Context, out any, kind, clientID, id string) error {
	return s.getBody(ctx, out, `SELECT body FROM catalog_records WHERE kind = ? AND client_id = ? AND id = ?`, kind, clientID, id)
}

func (s *SQL) PutClient(ctx context.Context, c model.Client) error {
	return s.putRecord(ctx, kindClient, c.ID, c.ID, c)
}

func (s *SQL) PutGeofence(ctx context.Context, g model.Geofence) error {
	return s.putRecord(ctx, kindGeofence, g.ClientID, g.ID, g)
}

func (s *SQL) PutRoute(ctx context.Context, r model.Route) error {
	return s.putRecord(ctx, kindRoute, r.ClientID, r.ID, r)
}

func (s *SQL) PutItinerary(ctx context.Context, it model.Itinerary) error {
	return s.putRecord(ctx, kindItinerary, it.ClientID, it.ID, it)
}

func (s *SQL) PutVehicle(ctx context.Context, v model.Vehicle) error {
	return s.putRecord(ctx, kindVehicle, v.ClientID, v.ID, v)
}

func (s *SQL) GetClient(ctx context.Context, id string) (model.Client, error) {
	var c model.Client
	err := s.getRecord(ctx, &c, kindClient, id, id)
	return c, err
}

func (s *SQL) GetGeofence(ctx context.Context, clientID, id string) (model.Geofence, error) {
	var g model.Geofence
	err := s.getRecord(ctx, &g, kindGeofence, clientID, id)
	return g, err
}

func (s *SQL) ListGeofences(ctx context.Context, clientID string) ([]model.Geofence, error) {
	return listBodies[model.Geofence](ctx, s, `SELECT body FROM catalog_records WHERE kind = ? AND client_id = ? ORDER BY id`, kindGeofence, clientID)
}

func (s *SQL) GetRoute(ctx context.Context, clientID, id string) (model.Route, error) {
	var r model.Route
	err := s.getRecord(ctx, &r, kindRoute, clientID, id)
	return r, err
}

func (s *SQL) ListRoutes(ctx context.Context, clientID string) ([]model.Route, error) {
	return listBodies[model.Route](ctx, s, `SELECT body FROM catalog_records WHERE kind = ? AND client_id = ? ORDER BY id`, kindRoute, clientID)
}

func (s *SQL) GetItinerary(ctx context.Context, clientID, id string) (model.Itinerary, error) {
	var it model.Itinerary
	err := s.getRecord(ctx, &it, kindItinerary, clientID, id)
	return it, err
}

func (s *SQL) GetVehicle(ctx context.Context, clientID, id string) (model.Vehicle, error) {
	var v model.Vehicle
	err := s.getRecord(ctx, &v, kindVehicle, clientID, id)
	return v, err
}

// Sync mappings

func (s *SQL) GetSyncMapping(ctx context.Context, clientID string, entity model.EntityType, entityID string) (model.SyncMapping, error) {
	var m model.SyncMapping
	err := s.getBody(ctx, &m, `SELECT body FROM sync_mappings WHERE client_id = ? AND entity_type = ? AND entity_id = ?`, clientID, string(entity), entityID)
	return m, err
}

func (s *SQL) SaveSyncMapping(ctx context.Context, m model.SyncMapping) error {
	body, err := toJSON(m)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `INSERT INTO sync_mappings (client_id, entity_type, entity_id, body) VALUES (?, ?, ?, ?)
		ON CONFLICT (client_id, entity_type, entity_id) DO UPDATE SET body = excluded.body`,
		m.ClientID, string(m.EntityType), m.EntityID, body)
	return err
}

func (s *SQL) DeleteSyncMapping(ctx context.Context, clientID string, entity model.EntityType, entityID string) error {
	res, err := s.exec(ctx, `DELETE FROM sync_mappings WHERE client_id = ? AND entity_type = ? AND entity_id = ?`, clientID, string(entity), entityID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Group mappings

func (s *SQL) GetGroupMapping(ctx context.Context, clientID, scopeID string, role model.GroupRole) (model.GeozoneGroupMapping, error) {
	var g model.GeozoneGroupMapping
	err := s.getBody(ctx, &g, `SELECT body FROM group_mappings WHERE client_id = ? AND scope_id = ? AND role = ?`, clientID, scopeID, string(role))
	return g, err
}

func (s *SQL) SaveGroupMapping(ctx context.Context, g model.GeozoneGroupMapping) error {
	body, err := toJSON(g)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `INSERT INTO group_mappings (client_id, scope_id, role, role_index, body) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (client_id, scope_id, role) DO UPDATE SET body = excluded.body`,
		g.ClientID, g.ScopeID, string(g.Role), g.Role.Index(), body)
	return err
}

func (s *SQL) ListGroupMappings(ctx context.Context, clientID, scopeID string) ([]model.GeozoneGroupMapping, error) {
	return listBodies[model.GeozoneGroupMapping](ctx, s, `SELECT body FROM group_mappings WHERE client_id = ? AND scope_id = ? ORDER BY role_index`, clientID, scopeID)
}

// Override element cache

func (s *SQL) GetOverrideElement(ctx context.Context, dealerID, templateName, k string) (model.OverrideElement, error) {
	var e model.OverrideElement
	err := s.getBody(ctx, &e, `SELECT body FROM override_elements WHERE dealer_id = ? AND template_name = ? AND override_key = ?`, dealerID, templateName, k)
	return e, err
}

func (s *SQL) SaveOverrideElement(ctx context.Context, e model.OverrideElement) error {
	if e.CreatedAt.IsZero() {
		if prev, err := s.GetOverrideElement(ctx, e.DealerID, e.TemplateName, e.Key); err == nil {
			e.CreatedAt = prev.CreatedAt
		}
	}
	body, err := toJSON(e)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `INSERT INTO override_elements (dealer_id, template_name, override_key, body) VALUES (?, ?, ?, ?)
		ON CONFLICT (dealer_id, template_name, override_key) DO UPDATE SET body = excluded.body`,
		e.DealerID, e.TemplateName, e.Key, body)
	return err
}

func (s *SQL) DeleteOverrideElements(ctx context.Context, dealerID, templateName string) (int, error) {
	q := `DELETE FROM override_elements WHERE dealer_id = ?`
	args := []any{dealerID}
	if templateName != "" {
		q += ` AND template_name = ?`
		args = append(args, templateName)
	}
	res, err := s.exec(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Itinerary sync state

func (s *SQL) GetItinerarySyncState(ctx context.Context, clientID, itineraryID string) (model.ItinerarySyncState, error) {
	var st model.ItinerarySyncState
	err := s.getBody(ctx, &st, `SELECT body FROM itinerary_sync_state WHERE client_id = ? AND itinerary_id = ?`, clientID, itineraryID)
	return st, err
}

func (s *SQL) SaveItinerarySyncState(ctx context.Context, st model.ItinerarySyncState) error {
	body, err := toJSON(st)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `INSERT INTO itinerary_sync_state (client_id, itinerary_id, body) VALUES (?, ?, ?)
		ON CONFLICT (client_id, itinerary_id) DO UPDATE SET body = excluded.body`, st.ClientID, st.ItineraryID, body)
	return err
}

// Deployments

// CreateDeployment relies on the partial unique index for the one-active-per-key rule.
func (s *SQL) CreateDeployment(ctx context.Context, d model.Deployment) error {
	body, err := toJSON(d)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `INSERT INTO deployments (id, client_id, itinerary_id, vehicle_id, action, status, seq, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.ClientID, d.ItineraryID, d.VehicleID, string(d.Action), string(d.Status), d.CreatedAt.UnixNano(), body)
	if err != nil && s.isUnique(err) {
		return fmt.Errorf("deployment for %s: %w", d.Key(), ErrConflict)
	}
	return err
}

func (s *SQL) GetDeployment(ctx context.Context, id string) (model.Deployment, error) {
	var d model.Deployment
	err := s.getBody(ctx, &d, `SELECT body FROM deployments WHERE id = ?`, id)
	return d, err
}

func (s *SQL) UpdateDeployment(ctx context.Context, d model.Deployment, expected model.DeploymentStatus) error {
	body, err := toJSON(d)
	if err != nil {
		return err
	}
	res, err := s.exec(ctx, `UPDATE deployments SET status = ?, body = ? WHERE id = ? AND status = ?`,
		string(d.Status), body, d.ID, string(expected))
	if err != nil {
		if s.isUnique(err) {
			return fmt.Errorf("deployment %s: %w", d.ID, ErrConflict)
		}
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetDeployment(ctx, d.ID); err != nil {
			return err
		}
		return fmt.Errorf("deployment %s is no longer %s: %w", d.ID, expected, ErrConflict)
	}
	return nil
}

func (s *SQL) FindActiveDeployment(ctx context.Context, k model.DeploymentKey) (model.Deployment, error) {
	var d model.Deployment
	err := s.getBody(ctx, &d, `SELECT body FROM deployments
		WHERE client_id = ? AND itinerary_id = ? AND vehicle_id = ? AND action = ? AND status IN ('QUEUED', 'DEPLOYING')
		ORDER BY seq DESC LIMIT 1`, k.ClientID, k.ItineraryID, k.VehicleID, string(k.Action))
	return d, err
}

func (s *SQL) LatestTerminalDeployment(ctx context.Context, clientID, itineraryID, vehicleID string) (model.Deployment, error) {
	var d model.Deployment
	err := s.getBody(ctx, &d, `SELECT body FROM deployments
		WHERE client_id = ? AND itinerary_id = ? AND vehicle_id = ? AND status NOT IN ('QUEUED', 'DEPLOYING')
		ORDER BY seq DESC LIMIT 1`, clientID, itineraryID, vehicleID)
	return d, err
}

func (s *SQL) ListDeploymentsByStatus(ctx context.Context, status model.DeploymentStatus, limit int) ([]model.Deployment, error) {
	q := `SELECT body FROM deployments WHERE status = ? ORDER BY seq ASC`
	if limit > 0 {
		q += " LIMIT " + strconv.Itoa(limit)
	}
	return listBodies[model.Deployment](ctx, s, q, string(status))
}

func (s *SQL) ListDeployments(ctx context.Context, f model.DeploymentFilter) ([]model.Deployment, error) {
	var where []string
	var args []any
	add := func(col, v string) {
		if v != "" {
			where = append(where, col+" = ?")
			args = append(args, v)
		}
	}
	add("client_id", f.ClientID)
	add("itinerary_id", f.ItineraryID)
	add("vehicle_id", f.VehicleID)
	add("status", string(f.Status))
	q := `SELECT body FROM deployments`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	q += " ORDER BY seq DESC LIMIT " + strconv.Itoa(limit)
	return listBodies[model.Deployment](ctx, s, q, args...)
}
