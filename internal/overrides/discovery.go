package overrides

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/apex/log"

	"fleetsync/internal/metrics"
	"fleetsync/internal/model"
	"fleetsync/internal/platform"
)

const geofencingTag = "geofencing"

// element is a settings element found in the template tree, in enumeration order.
type element struct {
	ID         int64
	Labels     []string
	Geofencing bool
}

func (e element) matches(key string) bool {
	for _, l := range e.Labels {
		if l != "" && strings.TrimSpace(l) == key {
			return true
		}
	}
	return false
}

type found struct {
	id         int64
	positional bool
}

// discover resolves key from the template tree. Concurrent calls for the same key share one
// in-flight search; one tree walk resolves every configured key and caches all of them.
func (r *Resolver) discover(ctx context.Context, scope Scope, key string, index int) (int64, bool, error) {
	v, err, _ := r.flight.Do(flightKey(scope, key, index), func() (any, error) {
		if id, ok, err := r.cached(ctx, scope, key); err != nil || ok {
			return found{id: id}, err
		}
		elements, err := r.walk(ctx, scope)
		if err != nil {
			metrics.OverrideDiscoveries.WithLabelValues("error").Inc()
			return nil, err
		}
		results := r.match(elements)
		for k, f := range results {
			r.remember(ctx, scope, k, f.id)
		}
		if f, ok := results[key]; ok {
			return f, nil
		}
		if key == "" && index > 0 {
			if f, ok := r.positional(elements, index); ok {
				return f, nil
			}
		}
		return found{}, nil
	})
	if err != nil {
		return 0, false, err
	}
	f := v.(found)
	switch {
	case f.id == 0:
		metrics.OverrideDiscoveries.WithLabelValues("miss").Inc()
		return 0, false, nil
	case f.positional:
		metrics.OverrideDiscoveries.WithLabelValues("positional").Inc()
	default:
		metrics.OverrideDiscoveries.WithLabelValues("hit").Inc()
	}
	return f.id, true, nil
}

// flightKey separates keyless lookups by index, since those resolve by position.
func flightKey(scope Scope, key string, index int) string {
	if key == "" {
		return scope.prefix() + "#" + strconv.Itoa(index)
	}
	return scope.prefix() + key
}

// match resolves every configured key: exact label first, then (for role keys, if enabled)
// the positional fallback.
func (r *Resolver) match(elements []element) map[string]found {
	out := map[string]found{}
	exact := func(key string) (int64, bool) {
		for _, e := range elements {
			if e.matches(key) {
				return e.ID, true
			}
		}
		return 0, false
	}
	for _, role := range model.GroupRoles {
		key := r.cfg.Keys[role]
		if key == "" {
			continue
		}
		if id, ok := exact(key); ok {
			out[key] = found{id: id}
		} else if f, ok := r.positional(elements, role.Index()); ok {
			out[key] = f
		}
	}
	if key := r.cfg.SignatureKey; key != "" {
		if id, ok := exact(key); ok {
			out[key] = found{id: id}
		}
	}
	return out
}

// positional picks the index-th (1-based) element under "geofencing" categories. The platform does
// not promise a stable enumeration order, so this is opt-in and logged.
func (r *Resolver) positional(elements []element, index int) (found, bool) {
	if !r.cfg.PositionalFallback || index <= 0 {
		return found{}, false
	}
	n := 0
	for _, e := range elements {
		if !e.Geofencing {
			continue
		}
		n++
		if n == index {
			r.log.WithFields(log.Fields{"index": index, "element_id": e.ID}).Warn("override slot chosen by position in the template tree; configure slot ids explicitly to avoid relying on enumeration order")
			return found{id: e.ID, positional: true}, true
		}
	}
	return found{}, false
}

func (r *Resolver) remember(ctx context.Context, scope Scope, key string, id int64) {
	r.lru.Add(scope.prefix()+key, id)
	now := r.now()
	e := model.OverrideElement{
		DealerID: scope.DealerID, TemplateName: scope.cacheName(), Key: key, ElementID: id,
		Source: model.SourceDiscovered, CreatedAt: now, UpdatedAt: now,
	}
	if err := r.cache.SaveOverrideElement(ctx, e); err != nil {
		r.log.WithError(err).WithField("key", key).Warn("could not persist discovered override slot")
	}
}

type node struct {
	kind       byte // 'c' category, 'g' element group
	categoryID int64
	tree       platform.TreeNode
	geofencing bool
}

func (n node) visitKey() string { return fmt.Sprintf("%c:%d", n.kind, n.tree.ID) }

func isGeofencing(t platform.TreeNode) bool {
	for _, tag := range t.Tags {
		if strings.EqualFold(tag, geofencingTag) {
			return true
		}
	}
	return strings.EqualFold(strings.TrimSpace(t.Name), geofencingTag)
}

// walk lists every element of the template in depth-first order. Categories and element groups
// delivered without children are fetched individually.
func (r *Resolver) walk(ctx context.Context, scope Scope) ([]element, error) {
	v, err, _ := r.flight.Do("tree|"+scope.prefix(), func() (any, error) {
		root, err := r.remote.TemplateTree(ctx, scope.TemplateID)
		if err != nil {
			return nil, fmt.Errorf("template %d tree: %w", scope.TemplateID, err)
		}
		var stack []node
		push := func(children []platform.TreeNode, kind byte, categoryID int64, geofencing bool) {
			for i := len(children) - 1; i >= 0; i-- {
				c := children[i]
				stack = append(stack, node{kind: kind, categoryID: categoryID, tree: c, geofencing: geofencing || isGeofencing(c)})
			}
		}
		var out []element
		collect := func(elems []platform.TreeNode, geofencing bool) {
			for _, e := range elems {
				out = append(out, element{ID: e.ID, Labels: []string{e.Label, e.Key, e.Name}, Geofencing: geofencing})
			}
		}
		collect(root.Elements, false)
		push(root.Categories, 'c', 0, false)
		visited := map[string]bool{}
		for len(stack) > 0 {
			n := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if visited[n.visitKey()] {
				continue
			}
			visited[n.visitKey()] = true
			t := n.tree
			if t.Leaf() {
				var err error
				if n.kind == 'c' {
					t, err = r.remote.TemplateCategory(ctx, scope.TemplateID, t.ID)
				} else {
					t, err = r.remote.TemplateElementGroup(ctx, scope.TemplateID, n.categoryID, t.ID)
				}
				if err != nil {
					return nil, fmt.Errorf("template %d node %s: %w", scope.TemplateID, n.visitKey(), err)
				}
				n.geofencing = n.geofencing || isGeofencing(t)
			}
			collect(t.Elements, n.geofencing)
			// children are pushed in reverse so element groups come off the stack before subcategories
			if n.kind == 'c' {
				push(t.Categories, 'c', 0, n.geofencing)
				push(t.ElementGroups, 'g', t.ID, n.geofencing)
			} else {
				push(t.ElementGroups, 'g', n.categoryID, n.geofencing)
			}
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]element), nil
}
