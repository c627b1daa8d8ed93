package catalog

import (
	"database/sql/driver"
	"fmt"
)

// SignatureState mirrors the Postgres signature_state ENUM.
type SignatureState string

const (
	SignatureInflight SignatureState = "inflight"
	SignaturePresent  SignatureState = "present"
	SignatureDeleted  SignatureState = "deleted"
)

func (s SignatureState) Valid() bool {
	switch s {
	case SignatureInflight, SignaturePresent, SignatureDeleted:
		return true
	default:
		return false
	}
}

func (s *SignatureState) Scan(src any) error {
	switch v := src.(type) {
	case string:
		*s = SignatureState(v)
	case []byte:
		*s = SignatureState(v)
	default:
		return fmt.Errorf("catalog: cannot scan %T into SignatureState", src)
	}
	if !s.Valid() {
		return fmt.Errorf("catalog: invalid signature_state %q", string(*s))
	}
	return nil
}

func (s SignatureState) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("catalog: invalid signature_state %q", string(s))
	}
	return string(s), nil
}
