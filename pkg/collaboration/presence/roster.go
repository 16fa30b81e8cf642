package presence

import (
	"sort"
	"sync"

	"github.com/developer-mesh/boardsync/pkg/models"
)

// Participant is a remote occupant of the board
type Participant struct {
	ClientID    string
	DisplayName string
	Color       string
	Selection   []string
}

// Roster tracks who else is on the board and what they have selected
type Roster struct {
	mu           sync.RWMutex
	self         string
	participants map[string]*Participant
}

// NewRoster creates a roster for the local client self
func NewRoster(self string) *Roster {
	return &Roster{self: self, participants: make(map[string]*Participant)}
}

// Apply folds a join or leave notice into the roster. It reports whether the
// occupant count changed.
func (r *Roster) Apply(ev models.PresenceEvent) bool {
	if ev.ClientID == "" || ev.ClientID == r.self {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	_, present := r.participants[ev.ClientID]
	switch ev.Action {
	case models.PresenceJoin:
		p, ok := r.participants[ev.ClientID]
		if !ok {
			p = &Participant{ClientID: ev.ClientID}
			r.participants[ev.ClientID] = p
		}
		p.DisplayName = ev.DisplayName
		p.Color = ev.Color
		return !present
	case models.PresenceLeave:
		delete(r.participants, ev.ClientID)
		return present
	}
	return false
}

// Select records a participant's selection. A participant seen only through
// selections is added to the roster; it reports whether that happened.
func (r *Roster) Select(ev models.SelectionEvent) bool {
	if ev.ClientID == "" || ev.ClientID == r.self {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[ev.ClientID]
	if !ok {
		p = &Participant{ClientID: ev.ClientID}
		r.participants[ev.ClientID] = p
	}
	p.Selection = append([]string(nil), ev.ObjectIDs...)
	return !ok
}

// Occupants counts everyone on the board including the local client
func (r *Roster) Occupants() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.participants) + 1
}

// Participants returns copies of the remote participants ordered by id
func (r *Roster) Participants() []Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Participant, 0, len(r.participants))
	for _, p := range r.participants {
		cp := *p
		cp.Selection = append([]string(nil), p.Selection...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

// SelectedBy returns the ids of participants that have objectID selected
func (r *Roster) SelectedBy(objectID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for id, p := range r.participants {
		for _, sel := range p.Selection {
			if sel == objectID {
				out = append(out, id)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// Clear forgets every participant, used when the connection is re-established
func (r *Roster) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.participants = make(map[string]*Participant)
}
