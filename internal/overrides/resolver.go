// Package overrides maps geozone group roles to the numeric override slots of a device's
// configuration template.
package overrides

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/apex/log"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"fleetsync/internal/model"
	"fleetsync/internal/platform"
	"fleetsync/internal/store"
)

// Remote is the part of the platform client used for template discovery.
type Remote interface {
	ConfigsForDevices(ctx context.Context, deviceUIDs []string) ([]platform.DeviceConfig, error)
	FilterUserTemplates(ctx context.Context, dealerID, name string) ([]platform.Template, error)
	TemplateTree(ctx context.Context, templateID int64) (platform.TreeNode, error)
	TemplateCategory(ctx context.Context, templateID, categoryID int64) (platform.TreeNode, error)
	TemplateElementGroup(ctx context.Context, templateID, categoryID, groupID int64) (platform.TreeNode, error)
}

// Cache persists discovered slot ids.
type Cache interface {
	GetOverrideElement(ctx context.Context, dealerID, templateName, key string) (model.OverrideElement, error)
	SaveOverrideElement(ctx context.Context, e model.OverrideElement) error
	DeleteOverrideElements(ctx context.Context, dealerID, templateName string) (int, error)
}

type Config struct {
	DealerID     string
	TemplateName string
	TemplateID   int64
	// SlotIDs are explicitly configured slots per role; zero means unset.
	SlotIDs map[model.GroupRole]int64
	// LegacySlotID is the old single-slot setting, honored for the itinerary role only.
	LegacySlotID int64
	// Keys are the element labels searched for during discovery.
	Keys               map[model.GroupRole]string
	SignatureSlotID    int64
	SignatureKey       string
	PositionalFallback bool
	CacheSize          int
}

// Source names the strategy that produced a slot id.
type Source string

const (
	SourceConfigured Source = "configured"
	SourceLegacy     Source = "legacy"
	SourceCached     Source = "cached"
	SourceDiscovered Source = "discovered"
)

type Slot struct {
	Role      model.GroupRole
	Key       string
	ElementID int64
	Source    Source
}

// Scope identifies the template whose tree is searched.
type Scope struct {
	DealerID     string
	TemplateID   int64
	TemplateName string
}

// cacheName is the template component of cache keys.
func (s Scope) cacheName() string {
	if s.TemplateName != "" {
		return s.TemplateName
	}
	return "template-" + strconv.FormatInt(s.TemplateID, 10)
}

func (s Scope) prefix() string { return s.DealerID + "|" + s.cacheName() + "|" }

// ValidationError reports unusable override configuration.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid override configuration %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == model.ErrValidation }

// Resolver resolves role slots. It is built once and shared; its discovery dedup and
// in-process cache are safe for concurrent use.
type Resolver struct {
	remote Remote
	cache  Cache
	cfg    Config
	log    log.Interface
	now    func() time.Time

	flight singleflight.Group
	lru    *lru.Cache[string, int64]
}

func New(remote Remote, cache Cache, cfg Config, logger log.Interface) (*Resolver, error) {
	if logger == nil {
		logger = log.Log
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = 256
	}
	l, err := lru.New[string, int64](size)
	if err != nil {
		return nil, err
	}
	return &Resolver{remote: remote, cache: cache, cfg: cfg, log: logger, lru: l, now: func() time.Time { return time.Now().UTC() }}, nil
}

type request struct {
	role  model.GroupRole
	key   string
	index int
	scope func() (Scope, error)
}

type strategy struct {
	source Source
	lookup func(ctx context.Context, r *Resolver, req request) (int64, bool, error)
}

// strategies are tried in order; the first hit wins.
var strategies = []strategy{
	{SourceConfigured, func(_ context.Context, r *Resolver, req request) (int64, bool, error) {
		id := r.cfg.SlotIDs[req.role]
		return id, id != 0, nil
	}},
	{SourceLegacy, func(_ context.Context, r *Resolver, req request) (int64, bool, error) {
		if req.role != model.RoleItinerary || r.cfg.LegacySlotID == 0 {
			return 0, false, nil
		}
		return r.cfg.LegacySlotID, true, nil
	}},
	{SourceCached, func(ctx context.Context, r *Resolver, req request) (int64, bool, error) {
		scope, err := req.scope()
		if err != nil {
			return 0, false, err
		}
		return r.cached(ctx, scope, req.key)
	}},
	{SourceDiscovered, func(ctx context.Context, r *Resolver, req request) (int64, bool, error) {
		scope, err := req.scope()
		if err != nil {
			return 0, false, err
		}
		return r.discover(ctx, scope, req.key, req.index)
	}},
}

func (r *Resolver) run(ctx context.Context, req request) (Slot, error) {
	for _, s := range strategies {
		id, ok, err := s.lookup(ctx, r, req)
		if err != nil {
			return Slot{}, fmt.Errorf("resolve %s slot (%s): %w", req.role, s.source, err)
		}
		if ok {
			return Slot{Role: req.role, Key: req.key, ElementID: id, Source: s.source}, nil
		}
	}
	return Slot{}, &ValidationError{Field: string(req.role), Reason: fmt.Sprintf("no override slot configured or found for key %q", req.key)}
}

// lazyScope resolves the template scope at most once, and only if a strategy needs it.
func (r *Resolver) lazyScope(ctx context.Context, deviceUID string) func() (Scope, error) {
	var (
		scope Scope
		err   error
		done  bool
	)
	return func() (Scope, error) {
		if !done {
			scope, err = r.ScopeFor(ctx, deviceUID)
			done = true
		}
		return scope, err
	}
}

// ScopeFor finds the template to search: configured id and name, else the device's
// attached template, else the configured template name looked up for the dealer.
func (r *Resolver) ScopeFor(ctx context.Context, deviceUID string) (Scope, error) {
	scope := Scope{DealerID: r.cfg.DealerID, TemplateID: r.cfg.TemplateID, TemplateName: r.cfg.TemplateName}
	if scope.TemplateID != 0 && scope.TemplateName != "" {
		return scope, nil
	}
	if deviceUID != "" && scope.TemplateID == 0 {
		cfgs, err := r.remote.ConfigsForDevices(ctx, []string{deviceUID})
		if err != nil {
			return Scope{}, fmt.Errorf("device configuration: %w", err)
		}
		for _, dc := range cfgs {
			if dc.DeviceUID != "" && dc.DeviceUID != deviceUID {
				continue
			}
			if scope.DealerID == "" {
				scope.DealerID = dc.DealerID
			}
			if scope.TemplateName == "" || scope.TemplateName == dc.TemplateName {
				scope.TemplateID, scope.TemplateName = dc.TemplateID, dc.TemplateName
			}
			break
		}
	}
	if scope.TemplateID == 0 && scope.TemplateName != "" {
		templates, err := r.remote.FilterUserTemplates(ctx, scope.DealerID, scope.TemplateName)
		if err != nil {
			return Scope{}, fmt.Errorf("find template %q: %w", scope.TemplateName, err)
		}
		if len(templates) > 0 {
			scope.TemplateID = templates[0].ID
		}
	}
	if scope.TemplateID == 0 {
		return Scope{}, &ValidationError{Field: "template", Reason: "no configuration template configured or attached to the device"}
	}
	return scope, nil
}

// Resolve returns the slot for one role.
func (r *Resolver) Resolve(ctx context.Context, role model.GroupRole, deviceUID string) (Slot, error) {
	return r.run(ctx, request{role: role, key: r.cfg.Keys[role], index: role.Index(), scope: r.lazyScope(ctx, deviceUID)})
}

// ResolveAll resolves all three roles and validates them together.
func (r *Resolver) ResolveAll(ctx context.Context, deviceUID string) (map[model.GroupRole]Slot, error) {
	scope := r.lazyScope(ctx, deviceUID)
	out := make(map[model.GroupRole]Slot, len(model.GroupRoles))
	ids := make(map[model.GroupRole]int64, len(model.GroupRoles))
	for _, role := range model.GroupRoles {
		slot, err := r.run(ctx, request{role: role, key: r.cfg.Keys[role], index: role.Index(), scope: scope})
		if err != nil {
			return nil, err
		}
		out[role] = slot
		ids[role] = slot.ElementID
	}
	if err := ValidateGeozoneGroupOverrideConfigs(ids); err != nil {
		return nil, err
	}
	return out, nil
}

// ResolveSignature returns the itinerary signature slot. ok is false when none is configured
// and discovery finds no element labelled with the signature key.
func (r *Resolver) ResolveSignature(ctx context.Context, deviceUID string) (Slot, bool, error) {
	if r.cfg.SignatureSlotID != 0 {
		if r.cfg.SignatureSlotID < 0 || r.cfg.SignatureSlotID > math.MaxInt32 {
			return Slot{}, false, &ValidationError{Field: "signature", Reason: "slot id must be a positive 32-bit integer"}
		}
		return Slot{Key: r.cfg.SignatureKey, ElementID: r.cfg.SignatureSlotID, Source: SourceConfigured}, true, nil
	}
	if r.cfg.SignatureKey == "" {
		return Slot{}, false, nil
	}
	scope, err := r.ScopeFor(ctx, deviceUID)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			return Slot{}, false, nil
		}
		return Slot{}, false, err
	}
	if id, ok, err := r.cached(ctx, scope, r.cfg.SignatureKey); err != nil || ok {
		return Slot{Key: r.cfg.SignatureKey, ElementID: id, Source: SourceCached}, ok, err
	}
	id, ok, err := r.discover(ctx, scope, r.cfg.SignatureKey, 0)
	if err != nil || !ok {
		return Slot{}, false, err
	}
	return Slot{Key: r.cfg.SignatureKey, ElementID: id, Source: SourceDiscovered}, true, nil
}

// ValidateGeozoneGroupOverrideConfigs checks that every role has a positive 32-bit slot id
// and that no two roles share a slot.
func ValidateGeozoneGroupOverrideConfigs(ids map[model.GroupRole]int64) error {
	seen := map[int64]model.GroupRole{}
	for _, role := range model.GroupRoles {
		id, ok := ids[role]
		if !ok || id <= 0 || id > math.MaxInt32 {
			return &ValidationError{Field: string(role), Reason: fmt.Sprintf("slot id %d is not a positive 32-bit integer", id)}
		}
		if other, dup := seen[id]; dup {
			return &ValidationError{Field: string(role), Reason: fmt.Sprintf("slot id %d is already used by role %s", id, other)}
		}
		seen[id] = role
	}
	return nil
}

func (r *Resolver) cached(ctx context.Context, scope Scope, key string) (int64, bool, error) {
	if key == "" {
		return 0, false, nil
	}
	if id, ok := r.lru.Get(scope.prefix() + key); ok {
		return id, true, nil
	}
	e, err := r.cache.GetOverrideElement(ctx, scope.DealerID, scope.cacheName(), key)
	if errors.Is(err, store.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	r.lru.Add(scope.prefix()+key, e.ElementID)
	return e.ElementID, true, nil
}

// ClearCache forgets every slot cached for the scope, in process and in storage.
func (r *Resolver) ClearCache(ctx context.Context, scope Scope) (int, error) {
	prefix := scope.prefix()
	for _, k := range r.lru.Keys() {
		if strings.HasPrefix(k, prefix) {
			r.lru.Remove(k)
		}
	}
	return r.cache.DeleteOverrideElements(ctx, scope.DealerID, scope.cacheName())
}
