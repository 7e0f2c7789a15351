// Package ledger defines the medication event ledger: identifiers, domain events,
// the error taxonomy and the append-only store port.
package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// MedicineID identifies a medicine
type MedicineID uuid.UUID

// TherapyID identifies a therapy (a medicine taken on a schedule)
type TherapyID uuid.UUID

// PackageID identifies a purchased or prescribed package
type PackageID uuid.UUID

// OperationID is the caller-supplied idempotency key of a ledger command
type OperationID uuid.UUID

// NewMedicineID creates a random medicine ID
func NewMedicineID() MedicineID { return MedicineID(uuid.New()) }

// NewTherapyID creates a random therapy ID
func NewTherapyID() TherapyID { return TherapyID(uuid.New()) }

// NewPackageID creates a random package ID
func NewPackageID() PackageID { return PackageID(uuid.New()) }

// NewOperationID creates a random operation ID
func NewOperationID() OperationID { return OperationID(uuid.New()) }

// ParseMedicineID parses a medicine ID
func ParseMedicineID(s string) (MedicineID, error) {
	u, err := parseID("medicine", s)
	return MedicineID(u), err
}

// ParseTherapyID parses a therapy ID
func ParseTherapyID(s string) (TherapyID, error) {
	u, err := parseID("therapy", s)
	return TherapyID(u), err
}

// ParsePackageID parses a package ID
func ParsePackageID(s string) (PackageID, error) {
	u, err := parseID("package", s)
	return PackageID(u), err
}

// ParseOperationID parses an operation ID
func ParseOperationID(s string) (OperationID, error) {
	u, err := parseID("operation", s)
	return OperationID(u), err
}

func parseID(kind, s string) (uuid.UUID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s id %q", ErrInvalidInput, kind, s)
	}
	if u == uuid.Nil {
		return uuid.Nil, fmt.Errorf("%w: %s id is nil", ErrInvalidInput, kind)
	}
	return u, nil
}

func (id MedicineID) String() string  { return uuid.UUID(id).String() }
func (id TherapyID) String() string   { return uuid.UUID(id).String() }
func (id PackageID) String() string   { return uuid.UUID(id).String() }
func (id OperationID) String() string { return uuid.UUID(id).String() }

// IsZero reports whether the ID is unset
func (id MedicineID) IsZero() bool { return uuid.UUID(id) == uuid.Nil }

// IsZero reports whether the ID is unset
func (id OperationID) IsZero() bool { return uuid.UUID(id) == uuid.Nil }

func (id MedicineID) MarshalText() ([]byte, error)  { return uuid.UUID(id).MarshalText() }
func (id TherapyID) MarshalText() ([]byte, error)   { return uuid.UUID(id).MarshalText() }
func (id PackageID) MarshalText() ([]byte, error)   { return uuid.UUID(id).MarshalText() }
func (id OperationID) MarshalText() ([]byte, error) { return uuid.UUID(id).MarshalText() }

func (id *MedicineID) UnmarshalText(b []byte) error {
	v, err := ParseMedicineID(string(b))
	if err != nil {
		return err
	}
	*id = v
	return nil
}

func (id *TherapyID) UnmarshalText(b []byte) error {
	v, err := ParseTherapyID(string(b))
	if err != nil {
		return err
	}
	*id = v
	return nil
}

func (id *PackageID) UnmarshalText(b []byte) error {
	v, err := ParsePackageID(string(b))
	if err != nil {
		return err
	}
	*id = v
	return nil
}

func (id *OperationID) UnmarshalText(b []byte) error {
	v, err := ParseOperationID(string(b))
	if err != nil {
		return err
	}
	*id = v
	return nil
}
