// Package storetest provides an in-memory contact store for engine tests.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"github.com/google/uuid"

	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/normalizers"
)

// Dependent tables that reference a contact.
const (
	TableActivities = "activities"
	TableDeals      = "deals"
	TableMeetings   = "meetings"
	TableForms      = "forms"
)

var dependentTables = []string{TableActivities, TableDeals, TableMeetings, TableForms}

// Store keeps contacts and dependent rows in memory. It enforces the unique
// email constraint, supports transactional rollback through WithinTx, and lets
// tests inject failures per operation.
type Store struct {
	mu         sync.Mutex
	contacts   map[string]models.Contact
	order      []string
	dependents map[string]map[string]string // table -> row id -> contact id

	// Err fields make the matching operation fail when set.
	FindErr   error
	CreateErr error
	UpdateErr error
	// ReassignErr fails ReassignDependents for the given secondary id.
	ReassignErr map[string]error
	// BeforeCreate runs (unlocked) before each Create; used to simulate racing writers.
	BeforeCreate func(c *models.Contact)

	Creates int
	Updates int
	Deletes int
}

// New creates an empty Store
func New() *Store {
	return &Store{
		contacts:    make(map[string]models.Contact),
		dependents:  map[string]map[string]string{},
		ReassignErr: map[string]error{},
	}
}

// Seed inserts contacts as-is, assigning ids and timestamps when missing.
func (s *Store) Seed(contacts ...models.Contact) []models.Contact {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Contact, 0, len(contacts))
	for _, c := range contacts {
		if c.ID == "" {
			c.ID = uuid.New().String()
		}
		if c.CreatedAt.IsZero() {
			c.CreatedAt = time.Now().UTC()
		}
		if c.LastUpdateDate.IsZero() {
			c.LastUpdateDate = c.CreatedAt
		}
		s.put(c)
		out = append(out, c)
	}
	return out
}

// AddDependent attaches a dependent row to a contact and returns its row id.
func (s *Store) AddDependent(table, contactID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dependents[table] == nil {
		s.dependents[table] = map[string]string{}
	}
	id := uuid.New().String()
	s.dependents[table][id] = contactID
	return id
}

// DependentsOf counts dependent rows referencing contactID across all tables.
func (s *Store) DependentsOf(contactID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, rows := range s.dependents {
		for _, owner := range rows {
			if owner == contactID {
				n++
			}
		}
	}
	return n
}

// Get returns a stored contact by id.
func (s *Store) Get(id string) (models.Contact, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[id]
	return c, ok
}

// Len returns the number of stored contacts.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.contacts)
}

// All returns every contact in insertion order.
func (s *Store) All() []models.Contact {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list(func(models.Contact) bool { return true }, 0)
}

func (s *Store) put(c models.Contact) {
	if _, ok := s.contacts[c.ID]; !ok {
		s.order = append(s.order, c.ID)
	}
	s.contacts[c.ID] = c
}

func (s *Store) list(keep func(models.Contact) bool, limit int) []models.Contact {
	var out []models.Contact
	for _, id := range s.order {
		c, ok := s.contacts[id]
		if !ok || !keep(c) {
			continue
		}
		out = append(out, c)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func (s *Store) FindByEmail(_ context.Context, email string) (*models.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FindErr != nil {
		return nil, s.FindErr
	}
	found := s.list(func(c models.Contact) bool { return email != "" && c.Email == email }, 1)
	if len(found) == 0 {
		return nil, nil
	}
	return &found[0], nil
}

// FindByEmailDomain mirrors the repository: banded queries keep local parts
// within the length band and edit distance, nearest first, then insertion order.
func (s *Store) FindByEmailDomain(_ context.Context, query models.EmailDomainQuery) ([]models.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FindErr != nil {
		return nil, s.FindErr
	}
	if query.Domain == "" {
		return nil, nil
	}

	onDomain := func(c models.Contact) bool { return strings.HasSuffix(c.Email, "@"+query.Domain) }
	if !query.Banded() {
		return s.list(onDomain, query.Limit), nil
	}

	distance := func(c models.Contact) int {
		local, _, _ := normalizers.EmailParts(c.Email)
		return levenshtein.ComputeDistance(local, query.Local)
	}
	found := s.list(func(c models.Contact) bool {
		if !onDomain(c) {
			return false
		}
		local, _, _ := normalizers.EmailParts(c.Email)
		n := utf8.RuneCountInString(local)
		return n >= query.MinLocalLength && n <= query.MaxLocalLength && distance(c) <= query.MaxDistance
	}, 0)
	sort.SliceStable(found, func(i, j int) bool { return distance(found[i]) < distance(found[j]) })
	if query.Limit > 0 && len(found) > query.Limit {
		found = found[:query.Limit]
	}
	return found, nil
}

func (s *Store) FindByPhone(_ context.Context, phone string) (*models.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FindErr != nil {
		return nil, s.FindErr
	}
	found := s.list(func(c models.Contact) bool { return phone != "" && c.Phone == phone }, 1)
	if len(found) == 0 {
		return nil, nil
	}
	return &found[0], nil
}

func (s *Store) SearchByNameOrCompany(_ context.Context, name, company string, limit int) ([]models.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FindErr != nil {
		return nil, s.FindErr
	}
	tokens := normalizers.Tokens(name)
	company = normalizers.NormalizeCompany(company)
	return s.list(func(c models.Contact) bool {
		if nameOverlaps(tokens, c.Name) {
			return true
		}
		return company != "" && strings.Contains(normalizers.NormalizeCompany(c.Company), company)
	}, limit), nil
}

func (s *Store) SearchByName(_ context.Context, name string, limit int) ([]models.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FindErr != nil {
		return nil, s.FindErr
	}
	tokens := normalizers.Tokens(name)
	return s.list(func(c models.Contact) bool { return nameOverlaps(tokens, c.Name) }, limit), nil
}

func nameOverlaps(tokens []string, candidate string) bool {
	candidate = strings.ToLower(candidate)
	for _, t := range tokens {
		if strings.Contains(candidate, t) {
			return true
		}
	}
	return false
}

func (s *Store) CountLinks(_ context.Context, contactID string) (*models.ContactLinks, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FindErr != nil {
		return nil, s.FindErr
	}
	count := func(table string) int {
		n := 0
		for _, owner := range s.dependents[table] {
			if owner == contactID {
				n++
			}
		}
		return n
	}
	return &models.ContactLinks{
		Activities: count(TableActivities),
		Deals:      count(TableDeals),
		Meetings:   count(TableMeetings),
		Forms:      count(TableForms),
	}, nil
}

func (s *Store) GetByID(_ context.Context, id string) (*models.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FindErr != nil {
		return nil, s.FindErr
	}
	c, ok := s.contacts[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *Store) GetByIDs(_ context.Context, ids []string) ([]models.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FindErr != nil {
		return nil, s.FindErr
	}
	out := make([]models.Contact, 0, len(ids))
	for _, id := range ids {
		if c, ok := s.contacts[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *Store) Create(_ context.Context, contact *models.Contact) error {
	if s.BeforeCreate != nil {
		s.BeforeCreate(contact)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CreateErr != nil {
		return s.CreateErr
	}
	if contact.Email != "" {
		for _, c := range s.contacts {
			if c.Email == contact.Email {
				return fmt.Errorf("insert contact: %w", models.ErrDuplicateEmail)
			}
		}
	}
	if contact.ID == "" {
		contact.ID = uuid.New().String()
	}
	s.put(*contact)
	s.Creates++
	return nil
}

func (s *Store) Update(_ context.Context, contact *models.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.UpdateErr != nil {
		return s.UpdateErr
	}
	if _, ok := s.contacts[contact.ID]; !ok {
		return models.ErrContactNotFound
	}
	s.put(*contact)
	s.Updates++
	return nil
}

func (s *Store) ReassignDependents(_ context.Context, fromID, toID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var moved int64
	for _, table := range dependentTables {
		for row, owner := range s.dependents[table] {
			if owner == fromID {
				s.dependents[table][row] = toID
				moved++
			}
		}
		// Fail after the first table has been rewritten so rollback is observable.
		if err := s.ReassignErr[fromID]; err != nil {
			return moved, err
		}
	}
	return moved, nil
}

func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.contacts[id]; !ok {
		return models.ErrContactNotFound
	}
	delete(s.contacts, id)
	s.Deletes++
	return nil
}

// WithinTx runs fn and restores the previous state if it fails.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	snapshot := s.snapshot()
	if err := fn(ctx); err != nil {
		s.restore(snapshot)
		return err
	}
	return nil
}

type state struct {
	contacts   map[string]models.Contact
	order      []string
	dependents map[string]map[string]string
	deletes    int
}

func (s *Store) snapshot() state {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := state{
		contacts:   make(map[string]models.Contact, len(s.contacts)),
		order:      append([]string(nil), s.order...),
		dependents: make(map[string]map[string]string, len(s.dependents)),
		deletes:    s.Deletes,
	}
	for id, c := range s.contacts {
		st.contacts[id] = c
	}
	for table, rows := range s.dependents {
		copied := make(map[string]string, len(rows))
		for row, owner := range rows {
			copied[row] = owner
		}
		st.dependents[table] = copied
	}
	return st
}

func (s *Store) restore(st state) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts = st.contacts
	s.order = st.order
	s.dependents = st.dependents
	s.Deletes = st.deletes
}
