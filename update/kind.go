package update

import "fmt"

// Kind selects the target medium of an update.
type Kind uint8

const (
	KindNone Kind = iota
	KindCode
	KindFilesystem
)

func (k Kind) String() string {
	switch k {
	case KindCode:
		return "firmware"
	case KindFilesystem:
		return "filesystem"
	default:
		return "none"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// ParseKind parses the wire name of a kind. "code" and "fs" are accepted as
// aliases.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "firmware", "code":
		return KindCode, nil
	case "filesystem", "fs":
		return KindFilesystem, nil
	case "none", "":
		return KindNone, nil
	}
	return KindNone, fmt.Errorf("update: unknown kind %q", s)
}

// State of an update session. States only move forward.
type State uint8

const (
	StateIdle State = iota
	StateReceiving
	StateFinalizing
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReceiving:
		return "receiving"
	case StateFinalizing:
		return "finalizing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(b []byte) error {
	for v := StateIdle; v <= StateFailed; v++ {
		if v.String() == string(b) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("update: unknown state %q", b)
}

// Terminal reports whether no further chunk can change the session.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}
