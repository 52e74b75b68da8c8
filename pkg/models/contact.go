package models

import (
	"strings"
	"time"
)

// Contact is the canonical record for one real-world person.
// Email and Phone hold normalized values; empty strings mean "unset".
type Contact struct {
	ID                     string    `json:"id" db:"id"`
	Email                  string    `json:"email" db:"email"`
	Name                   string    `json:"name" db:"name"`
	Phone                  string    `json:"phone" db:"phone"`
	Company                string    `json:"company" db:"company"`
	Title                  string    `json:"title" db:"title"`
	LinkedInURL            string    `json:"linkedin_url" db:"linkedin_url"`
	Status                 string    `json:"status" db:"status"`
	PreferredContactMethod string    `json:"preferred_contact_method" db:"preferred_contact_method"`
	Timezone               string    `json:"timezone" db:"timezone"`
	LeadSource             string    `json:"lead_source" db:"lead_source"` // comma-joined unique tokens, insertion order
	SourcesCount           int       `json:"sources_count" db:"sources_count"`
	Notes                  string    `json:"notes" db:"notes"`
	CreatedAt              time.Time `json:"created_at" db:"created_at"`
	LastUpdateDate         time.Time `json:"last_update_date" db:"last_update_date"`
}

// LeadSources splits LeadSource into its tokens.
func (c *Contact) LeadSources() []string {
	return SplitLeadSource(c.LeadSource)
}

// SplitLeadSource splits a comma-joined lead source string into trimmed, non-empty tokens.
func SplitLeadSource(leadSource string) []string {
	if strings.TrimSpace(leadSource) == "" {
		return nil
	}
	parts := strings.Split(leadSource, ",")
	tokens := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			tokens = append(tokens, p)
		}
	}
	return tokens
}

// JoinLeadSource joins tokens, dropping blanks and repeats while keeping first-seen order.
func JoinLeadSource(tokens []string) string {
	seen := make(map[string]struct{}, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return strings.Join(out, ",")
}

// ContactInfo is a partial contact record handed over by an ingestion feed.
// Every field is optional; an empty string means the feed did not supply it.
type ContactInfo struct {
	Email                  string `json:"email,omitempty"`
	Name                   string `json:"name,omitempty"`
	Phone                  string `json:"phone,omitempty"`
	Company                string `json:"company,omitempty"`
	Title                  string `json:"title,omitempty"`
	LinkedInURL            string `json:"linkedin_url,omitempty"`
	Status                 string `json:"status,omitempty"`
	PreferredContactMethod string `json:"preferred_contact_method,omitempty"`
	Timezone               string `json:"timezone,omitempty"`
	LeadSource             string `json:"lead_source,omitempty"`
	Notes                  string `json:"notes,omitempty"`
}

func (i ContactInfo) HasEmail() bool   { return strings.TrimSpace(i.Email) != "" }
func (i ContactInfo) HasPhone() bool   { return strings.TrimSpace(i.Phone) != "" }
func (i ContactInfo) HasName() bool    { return strings.TrimSpace(i.Name) != "" }
func (i ContactInfo) HasCompany() bool { return strings.TrimSpace(i.Company) != "" }

// ContactLinks counts the dependent rows that reference a contact.
type ContactLinks struct {
	Activities int `json:"activities" db:"activities"`
	Deals      int `json:"deals" db:"deals"`
	Meetings   int `json:"meetings" db:"meetings"`
	Forms      int `json:"forms" db:"forms"`
}

// Total is the number of dependent rows across all tables.
func (l ContactLinks) Total() int {
	return l.Activities + l.Deals + l.Meetings + l.Forms
}

// Field returns the supplied value of a ContactInfo field by its json name.
func (i ContactInfo) Field(name string) string {
	switch name {
	case "email":
		return i.Email
	case "name":
		return i.Name
	case "phone":
		return i.Phone
	case "company":
		return i.Company
	case "title":
		return i.Title
	case "linkedin_url":
		return i.LinkedInURL
	case "status":
		return i.Status
	case "preferred_contact_method":
		return i.PreferredContactMethod
	case "timezone":
		return i.Timezone
	case "lead_source":
		return i.LeadSource
	case "notes":
		return i.Notes
	default:
		return ""
	}
}
