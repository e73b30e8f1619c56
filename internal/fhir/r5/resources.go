package r5

import (
	"fmt"
	"strings"
	"time"
)

// Patient represents a FHIR R5 Patient resource.
type Patient struct {
	ResourceType string      `json:"resourceType"`
	ID           string      `json:"id,omitempty"`
	Name         []HumanName `json:"name,omitempty"`
	Gender       string      `json:"gender,omitempty"` // male | female | other | unknown
	BirthDate    string      `json:"birthDate,omitempty"`
	Extension    []Extension `json:"extension,omitempty"`
}

// GetOfficialName returns the patient's official name, or first available.
func (p *Patient) GetOfficialName() *HumanName {
	for i := range p.Name {
		if p.Name[i].Use == "official" {
			return &p.Name[i]
		}
	}
	if len(p.Name) > 0 {
		return &p.Name[0]
	}
	return nil
}

// GetFullName returns the patient's full name as a string.
func (p *Patient) GetFullName() string {
	name := p.GetOfficialName()
	if name == nil {
		return ""
	}
	if name.Text != "" {
		return name.Text
	}
	parts := append([]string(nil), name.Given...)
	if name.Family != "" {
		parts = append(parts, name.Family)
	}
	return strings.Join(parts, " ")
}

// AgeAt returns completed years between BirthDate and at. FHIR allows
// partial dates; a missing month or day counts as January or the 1st.
func (p *Patient) AgeAt(at time.Time) (int, error) {
	if p.BirthDate == "" {
		return 0, fmt.Errorf("birthDate is required")
	}
	var born time.Time
	var err error
	switch len(p.BirthDate) {
	case 4:
		born, err = time.Parse("2006", p.BirthDate)
	case 7:
		born, err = time.Parse("2006-01", p.BirthDate)
	default:
		born, err = time.Parse("2006-01-02", p.BirthDate)
	}
	if err != nil {
		return 0, fmt.Errorf("birthDate %q: %w", p.BirthDate, err)
	}

	at = at.UTC()
	if born.After(at) {
		return 0, fmt.Errorf("birthDate %q is in the future", p.BirthDate)
	}
	age := at.Year() - born.Year()
	if at.Month() < born.Month() || (at.Month() == born.Month() && at.Day() < born.Day()) {
		age--
	}
	return age, nil
}

// IsPregnant reads the pregnancy extension. Absent means not pregnant.
func (p *Patient) IsPregnant() bool {
	for _, ext := range p.Extension {
		if ext.URL == ExtensionPregnant && ext.ValueBoolean != nil {
			return *ext.ValueBoolean
		}
	}
	return false
}

// AllergyIntolerance represents a FHIR R5 AllergyIntolerance resource.
type AllergyIntolerance struct {
	ResourceType       string           `json:"resourceType"`
	ID                 string           `json:"id,omitempty"`
	ClinicalStatus     *CodeableConcept `json:"clinicalStatus,omitempty"`
	VerificationStatus *CodeableConcept `json:"verificationStatus,omitempty"`
	Code               *CodeableConcept `json:"code,omitempty"`
	Patient            *Reference       `json:"patient,omitempty"`
}

// IsActive treats a missing clinical status as active; "refuted"
// verification always excludes the allergy.
func (a *AllergyIntolerance) IsActive() bool {
	if a.VerificationStatus != nil && hasCode(a.VerificationStatus, "refuted", "entered-in-error") {
		return false
	}
	if a.ClinicalStatus == nil {
		return true
	}
	return hasCode(a.ClinicalStatus, "active")
}

// Condition represents a FHIR R5 Condition resource.
type Condition struct {
	ResourceType   string           `json:"resourceType"`
	ID             string           `json:"id,omitempty"`
	ClinicalStatus *CodeableConcept `json:"clinicalStatus,omitempty"`
	Code           *CodeableConcept `json:"code,omitempty"`
}

func (c *Condition) IsActive() bool {
	if c.ClinicalStatus == nil {
		return true
	}
	return hasCode(c.ClinicalStatus, "active", "recurrence", "relapse")
}

func hasCode(c *CodeableConcept, codes ...string) bool {
	for _, coding := range c.Coding {
		for _, code := range codes {
			if coding.Code == code {
				return true
			}
		}
	}
	return false
}
