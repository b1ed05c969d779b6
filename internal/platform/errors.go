package platform

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Kind classifies a failed platform call so callers can pick a fallback path.
type Kind string

const (
	KindAuth           Kind = "auth"
	KindRequest        Kind = "request"
	KindNoPermission   Kind = "no_permission"
	KindDeviceNotFound Kind = "device_not_found"
	KindTransport      Kind = "transport"
)

const sampleLimit = 512

// ErrNotConfigured is wrapped by every call made on a client without a base URL.
var ErrNotConfigured = errors.New("platform base URL is not configured")

// Error is returned for every failed platform call.
type Error struct {
	Kind          Kind
	Step          string
	Method        string
	Path          string
	Status        int
	CorrelationID string
	Sample        string
	Err           error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "platform %s: %s %s", e.Step, e.Method, e.Path)
	if e.Status != 0 {
		fmt.Fprintf(&b, " -> %d", e.Status)
	}
	fmt.Fprintf(&b, " (%s, correlation %s)", e.Kind, e.CorrelationID)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if e.Sample != "" {
		b.WriteString(": ")
		b.WriteString(e.Sample)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func kindOf(err error) (Kind, int) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind, pe.Status
	}
	return "", 0
}

// IsNoPermission reports whether the platform refused the call for lack of a permission.
func IsNoPermission(err error) bool { k, _ := kindOf(err); return k == KindNoPermission }

// IsDeviceNotFound reports whether the platform does not know the device.
func IsDeviceNotFound(err error) bool { k, _ := kindOf(err); return k == KindDeviceNotFound }

// IsAuth reports whether the credentials were rejected.
func IsAuth(err error) bool { k, _ := kindOf(err); return k == KindAuth }

// IsNotFound reports a 404 on any resource.
func IsNotFound(err error) bool {
	k, status := kindOf(err)
	return status == http.StatusNotFound || k == KindDeviceNotFound
}

var (
	noPermissionMarkers = []string{"nopermission", "no_permission", "no permission", "permissiondenied"}
	deviceNotFoundRe    = regexp.MustCompile(`(?i)(device[^"]{0,40}not\s*found|unknown\s+device)`)
	devicePaths         = []string{"/settingsOverrides/", "/rollouts/devices", "/configs/forDevices"}
)

// classify maps a non-2xx response to an error kind. Order matters: the permission marker
// wins over status so a 403 "NoPermission" is not reported as a generic auth failure.
func classify(path string, status int, body []byte) Kind {
	lower := strings.ToLower(string(body))
	for _, m := range noPermissionMarkers {
		if strings.Contains(lower, m) {
			return KindNoPermission
		}
	}
	if deviceNotFoundRe.Match(body) {
		return KindDeviceNotFound
	}
	if status == http.StatusNotFound {
		for _, p := range devicePaths {
			if strings.Contains(path, p) {
				return KindDeviceNotFound
			}
		}
	}
	if status == http.StatusUnauthorized {
		return KindAuth
	}
	return KindRequest
}

func sample(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > sampleLimit {
		cut := sampleLimit
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut] + "..."
	}
	return s
}
