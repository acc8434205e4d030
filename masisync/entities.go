// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package masisync

import (
	"time"

	"github.com/google/uuid"
)

// EntityType names a syncable entity collection. The name doubles as the
// local table name and the path segment on the remote data service.
type EntityType string

const (
	EntityChildren         EntityType = "children"
	EntityGroups           EntityType = "groups"
	EntityGroupMemberships EntityType = "group_memberships"
	EntitySessionNotes     EntityType = "session_notes"
	EntityTimeEntries      EntityType = "time_entries"
)

// EntityDescriptor is the static per-table sync configuration.
type EntityDescriptor struct {
	Name     EntityType
	Position int // Position in the global sync order (lower syncs first)
}

// DefaultEntityOrder returns entity descriptors in dependency order.
// Memberships reference children and groups; session notes and time entries
// reference children. A record must never reach the server before its
// referents, so the order is a fixed total order, never interleaved.
func DefaultEntityOrder() []EntityDescriptor {
	return []EntityDescriptor{
		{Name: EntityChildren, Position: 1},
		{Name: EntityGroups, Position: 2},
		{Name: EntityGroupMemberships, Position: 3},
		{Name: EntitySessionNotes, Position: 4},
		{Name: EntityTimeEntries, Position: 5},
	}
}

// Syncable is implemented by business models that can be saved into the
// local store and pushed to the remote service.
type Syncable interface {
	EntityType() EntityType
	RecordID() string
}

// Child is a roster entry.
type Child struct {
	ID          string `json:"id"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	DateOfBirth string `json:"date_of_birth,omitempty"` // YYYY-MM-DD
	School      string `json:"school,omitempty"`
}

// NewChild creates a roster entry with a client-generated identifier. The ID
// is assigned at creation so it is valid before the record ever reaches the
// remote service, and it never changes afterwards.
func NewChild(firstName, lastName string) *Child {
	return &Child{ID: uuid.NewString(), FirstName: firstName, LastName: lastName}
}

func (c *Child) EntityType() EntityType { return EntityChildren }
func (c *Child) RecordID() string       { return c.ID }

// Group is a program group at a site.
type Group struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Site string `json:"site,omitempty"`
}

func NewGroup(name string) *Group {
	return &Group{ID: uuid.NewString(), Name: name}
}

func (g *Group) EntityType() EntityType { return EntityGroups }
func (g *Group) RecordID() string       { return g.ID }

// GroupMembership links a child to a group. It references both, so it syncs
// strictly after children and groups.
type GroupMembership struct {
	ID       string    `json:"id"`
	GroupID  string    `json:"group_id"`
	ChildID  string    `json:"child_id"`
	JoinedAt time.Time `json:"joined_at"`
}

func NewGroupMembership(groupID, childID string) *GroupMembership {
	return &GroupMembership{
		ID:       uuid.NewString(),
		GroupID:  groupID,
		ChildID:  childID,
		JoinedAt: time.Now().UTC(),
	}
}

func (m *GroupMembership) EntityType() EntityType { return EntityGroupMemberships }
func (m *GroupMembership) RecordID() string       { return m.ID }

// SessionNote is a structured note recorded during a session with a child.
type SessionNote struct {
	ID          string    `json:"id"`
	ChildID     string    `json:"child_id"`
	StaffID     string    `json:"staff_id"`
	SessionDate time.Time `json:"session_date"`
	Activity    string    `json:"activity,omitempty"`
	Notes       string    `json:"notes,omitempty"`
}

func NewSessionNote(childID, staffID string) *SessionNote {
	return &SessionNote{
		ID:          uuid.NewString(),
		ChildID:     childID,
		StaffID:     staffID,
		SessionDate: time.Now().UTC(),
	}
}

func (s *SessionNote) EntityType() EntityType { return EntitySessionNotes }
func (s *SessionNote) RecordID() string       { return s.ID }

// TimeEntry is a staff clock-in/clock-out record.
type TimeEntry struct {
	ID       string     `json:"id"`
	StaffID  string     `json:"staff_id"`
	ClockIn  time.Time  `json:"clock_in"`
	ClockOut *time.Time `json:"clock_out,omitempty"`
}

func NewTimeEntry(staffID string) *TimeEntry {
	return &TimeEntry{ID: uuid.NewString(), StaffID: staffID, ClockIn: time.Now().UTC()}
}

func (t *TimeEntry) EntityType() EntityType { return EntityTimeEntries }
func (t *TimeEntry) RecordID() string       { return t.ID }
