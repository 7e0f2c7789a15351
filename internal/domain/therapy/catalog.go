package therapy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pillpal/medledger/internal/domain/ledger"
	"github.com/pillpal/medledger/internal/domain/recurrence"
)

// ErrInvalidCatalog is returned for catalog files that cannot be loaded
var ErrInvalidCatalog = errors.New("invalid therapy catalog")

type catalogFile struct {
	Timezone  string         `yaml:"timezone"`
	Medicines []medicineFile `yaml:"medicines"`
}

type medicineFile struct {
	ID              string        `yaml:"id"`
	Name            string        `yaml:"name"`
	UnitsPerPackage int           `yaml:"units_per_package"`
	Therapies       []therapyFile `yaml:"therapies"`
}

type therapyFile struct {
	ID           string   `yaml:"id"`
	Name         string   `yaml:"name"`
	RRule        string   `yaml:"rrule"`
	StartDate    string   `yaml:"start_date"`
	DoseTimes    []string `yaml:"dose_times"`
	UnitsPerDose int      `yaml:"units_per_dose"`
}

// Catalog is an in-memory Provider, usually loaded from YAML
type Catalog struct {
	mu        sync.RWMutex
	loc       *time.Location
	medicines map[ledger.MedicineID]Medicine
	therapies map[ledger.TherapyID]Therapy
}

// NewCatalog creates an empty catalog computing days in loc (UTC when nil)
func NewCatalog(loc *time.Location) *Catalog {
	if loc == nil {
		loc = time.UTC
	}
	return &Catalog{
		loc:       loc,
		medicines: make(map[ledger.MedicineID]Medicine),
		therapies: make(map[ledger.TherapyID]Therapy),
	}
}

// LoadCatalog reads a YAML catalog file
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes a YAML catalog document
func ParseCatalog(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}

	loc := time.UTC
	if f.Timezone != "" {
		l, err := time.LoadLocation(f.Timezone)
		if err != nil {
			return nil, fmt.Errorf("%w: timezone %q: %v", ErrInvalidCatalog, f.Timezone, err)
		}
		loc = l
	}

	c := NewCatalog(loc)
	for i, mf := range f.Medicines {
		med, err := mf.medicine()
		if err != nil {
			return nil, fmt.Errorf("%w: medicines[%d]: %v", ErrInvalidCatalog, i, err)
		}
		if err := c.AddMedicine(med); err != nil {
			return nil, fmt.Errorf("%w: medicines[%d]: %v", ErrInvalidCatalog, i, err)
		}
		for j, tf := range mf.Therapies {
			th, err := tf.therapy(med.ID, loc)
			if err != nil {
				return nil, fmt.Errorf("%w: medicines[%d].therapies[%d]: %v", ErrInvalidCatalog, i, j, err)
			}
			if err := c.AddTherapy(th); err != nil {
				return nil, fmt.Errorf("%w: medicines[%d].therapies[%d]: %v", ErrInvalidCatalog, i, j, err)
			}
		}
	}
	return c, nil
}

func (mf medicineFile) medicine() (Medicine, error) {
	id, err := ledger.ParseMedicineID(mf.ID)
	if err != nil {
		return Medicine{}, err
	}
	units := mf.UnitsPerPackage
	if units == 0 {
		units = 1
	}
	if units < 0 {
		return Medicine{}, fmt.Errorf("units_per_package must be positive")
	}
	return Medicine{ID: id, Name: mf.Name, UnitsPerPackage: units}, nil
}

func (tf therapyFile) therapy(medicine ledger.MedicineID, loc *time.Location) (Therapy, error) {
	id, err := ledger.ParseTherapyID(tf.ID)
	if err != nil {
		return Therapy{}, err
	}
	start, err := time.ParseInLocation("2006-01-02", strings.TrimSpace(tf.StartDate), loc)
	if err != nil {
		return Therapy{}, fmt.Errorf("start_date %q: want YYYY-MM-DD", tf.StartDate)
	}
	doses := make([]recurrence.DoseTime, 0, len(tf.DoseTimes))
	for _, s := range tf.DoseTimes {
		d, err := recurrence.ParseDoseTime(s)
		if err != nil {
			return Therapy{}, err
		}
		doses = append(doses, d)
	}
	units := tf.UnitsPerDose
	if units == 0 {
		units = 1
	}
	if units < 0 {
		return Therapy{}, fmt.Errorf("units_per_dose must be positive")
	}
	return Therapy{
		ID:           id,
		MedicineID:   medicine,
		Name:         tf.Name,
		Rule:         tf.RRule,
		StartDate:    start,
		DoseTimes:    doses,
		UnitsPerDose: units,
	}, nil
}

// AddMedicine registers a medicine
func (c *Catalog) AddMedicine(m Medicine) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.medicines[m.ID]; ok {
		return fmt.Errorf("medicine %s registered twice", m.ID)
	}
	if m.UnitsPerPackage < 1 {
		m.UnitsPerPackage = 1
	}
	c.medicines[m.ID] = m
	return nil
}

// AddTherapy registers a therapy of an already registered medicine
func (c *Catalog) AddTherapy(t Therapy) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.medicines[t.MedicineID]; !ok {
		return fmt.Errorf("therapy %s: medicine %s: %w", t.ID, t.MedicineID, ledger.ErrNotFound)
	}
	if _, ok := c.therapies[t.ID]; ok {
		return fmt.Errorf("therapy %s registered twice", t.ID)
	}
	if t.UnitsPerDose < 1 {
		t.UnitsPerDose = 1
	}
	c.therapies[t.ID] = t
	return nil
}

// Medicine implements Provider
func (c *Catalog) Medicine(_ context.Context, id ledger.MedicineID) (Medicine, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.medicines[id]
	if !ok {
		return Medicine{}, fmt.Errorf("medicine %s: %w", id, ledger.ErrNotFound)
	}
	return m, nil
}

// Therapy implements Provider
func (c *Catalog) Therapy(_ context.Context, id ledger.TherapyID) (Therapy, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.therapies[id]
	if !ok {
		return Therapy{}, fmt.Errorf("therapy %s: %w", id, ledger.ErrNotFound)
	}
	return t, nil
}

// TherapiesOf implements Provider; results are ordered by name then ID
func (c *Catalog) TherapiesOf(_ context.Context, medicine ledger.MedicineID) ([]Therapy, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.medicines[medicine]; !ok {
		return nil, fmt.Errorf("medicine %s: %w", medicine, ledger.ErrNotFound)
	}
	var out []Therapy
	for _, t := range c.therapies {
		if t.MedicineID == medicine {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

// Medicines lists every medicine ordered by name
func (c *Catalog) Medicines() []Medicine {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Medicine, 0, len(c.medicines))
	for _, m := range c.medicines {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Location implements Provider
func (c *Catalog) Location() *time.Location {
	return c.loc
}
