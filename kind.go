package doccache

import "fmt"

// Kind is the type of resource a document references.
type Kind int

const (
	Image Kind = iota
	StyleSheet
	Script
	AuxiliaryDocument
	Other
)

var kindNames = [...]string{"image", "stylesheet", "script", "auxiliary-document", "other"}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

// MarshalText lets kinds be used as JSON object keys in statistics.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	for i, name := range kindNames {
		if name == s {
			return Kind(i), nil
		}
	}
	return Other, fmt.Errorf("unknown resource kind %q", s)
}

// incremental kinds forward data to the entry as it arrives.
func (k Kind) incremental() bool { return k == Image }

func (k Kind) multipart() bool { return k == Image }

// deferrable kinds are not fetched while a document has autoload disabled.
func (k Kind) deferrable() bool { return k == Image }

func (k Kind) textual() bool { return k == StyleSheet || k == Script }

// Status is the lifecycle state of an Entry.
type Status int

const (
	Unknown Status = iota
	Pending
	Loading
	Cached
	Uncacheable
	// Persistent entries are pre-seeded and never evicted or reloaded.
	Persistent
	// Free entries are out of the keyed store but still held by clients.
	Free
)

var statusNames = [...]string{"unknown", "pending", "loading", "cached", "uncacheable", "persistent", "free"}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return statusNames[s]
}

// Policy is the cache policy of a document.
type Policy int

const (
	// UseCache returns any existing entry, even an expired one.
	UseCache Policy = iota
	// ForceRevalidate refetches expired entries once per document.
	ForceRevalidate
	// ForceReload refetches every entry once per document.
	ForceReload
)

var policyNames = [...]string{"use-cache", "force-revalidate", "force-reload"}

func (p Policy) String() string {
	if p < 0 || int(p) >= len(policyNames) {
		return fmt.Sprintf("policy(%d)", int(p))
	}
	return policyNames[p]
}

func ParsePolicy(s string) (Policy, error) {
	for i, name := range policyNames {
		if name == s {
			return Policy(i), nil
		}
	}
	return UseCache, fmt.Errorf("unknown cache policy %q", s)
}

// hint maps the document policy to what the transport is asked to do.
func (p Policy) hint() CacheHint {
	switch p {
	case ForceRevalidate:
		return Refresh
	case ForceReload:
		return Reload
	default:
		return Verify
	}
}

// AnimationPolicy controls how animated images are played.
type AnimationPolicy int

const (
	Animate AnimationPolicy = iota
	AnimateOnce
	NoAnimation
)

var animationNames = [...]string{"animate", "animate-once", "no-animation"}

func (a AnimationPolicy) String() string {
	if a < 0 || int(a) >= len(animationNames) {
		return fmt.Sprintf("animation(%d)", int(a))
	}
	return animationNames[a]
}

func ParseAnimationPolicy(s string) (AnimationPolicy, error) {
	for i, name := range animationNames {
		if name == s {
			return AnimationPolicy(i), nil
		}
	}
	return Animate, fmt.Errorf("unknown animation policy %q", s)
}
