package service_test

import (
	"context"
	"sort"
	"sync"
	"time"

	appErrors "github.com/unclebandit/waleopard-engine/internal/errors"
	"github.com/unclebandit/waleopard-engine/internal/model"
	"github.com/unclebandit/waleopard-engine/internal/provider"
	"github.com/unclebandit/waleopard-engine/internal/ratelimit"
	"github.com/unclebandit/waleopard-engine/internal/repository"
	"github.com/unclebandit/waleopard-engine/internal/session"
)

// ====================== Send tasks ======================

type MockTaskRepo struct {
	mu     sync.Mutex
	nextID int
	tasks  map[int]*model.SendTask
}

var _ repository.SendTaskRepositoryInterface = (*MockTaskRepo)(nil)

func NewMockTaskRepo() *MockTaskRepo {
	return &MockTaskRepo{tasks: map[int]*model.SendTask{}}
}

func (m *MockTaskRepo) Enqueue(_ context.Context, t *model.SendTask) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.CampaignID != nil {
		for _, existing := range m.tasks {
			if existing.CampaignID != nil && *existing.CampaignID == *t.CampaignID && existing.Recipient == t.Recipient {
				return false, nil
			}
		}
	}
	m.nextID++
	t.ID = m.nextID
	t.State = model.TaskQueued
	cp := *t
	m.tasks[t.ID] = &cp
	return true, nil
}

func (m *MockTaskRepo) GetByID(_ context.Context, id int) (*model.SendTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, appErrors.NewTaskNotFound(id)
	}
	cp := *t
	return &cp, nil
}

func (m *MockTaskRepo) ClaimQueued(_ context.Context, campaignID int, now time.Time, limit int) ([]*model.SendTask, error) {
	return m.claimWhere(now, limit, func(t *model.SendTask) bool {
		return t.CampaignID != nil && *t.CampaignID == campaignID
	})
}

func (m *MockTaskRepo) ClaimDueAdHoc(_ context.Context, now time.Time, limit int) ([]*model.SendTask, error) {
	return m.claimWhere(now, limit, func(t *model.SendTask) bool { return t.CampaignID == nil })
}

func (m *MockTaskRepo) claimWhere(now time.Time, limit int, match func(*model.SendTask) bool) ([]*model.SendTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.SendTask
	for _, id := range m.sortedIDs() {
		t := m.tasks[id]
		if len(out) == limit {
			break
		}
		if !match(t) || t.State != model.TaskQueued || t.AvailableAt.After(now) {
			continue
		}
		claimed := now
		t.State = model.TaskProcessing
		t.ClaimedAt = &claimed
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MockTaskRepo) ClaimByID(_ context.Context, id int, now time.Time) (*model.SendTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, appErrors.NewTaskNotFound(id)
	}
	if t.State != model.TaskQueued {
		return nil, appErrors.ErrTaskNotClaimable
	}
	claimed := now
	t.State = model.TaskProcessing
	t.ClaimedAt = &claimed
	cp := *t
	return &cp, nil
}

func (m *MockTaskRepo) Release(_ context.Context, ids []int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if t, ok := m.tasks[id]; ok && t.State == model.TaskProcessing {
			t.State = model.TaskQueued
			t.ClaimedAt = nil
		}
	}
	return nil
}

// held returns the task only while it is still processing under claimedAt.
func (m *MockTaskRepo) held(id int, claimedAt time.Time) (*model.SendTask, error) {
	t, ok := m.tasks[id]
	if !ok || t.State != model.TaskProcessing || t.ClaimedAt == nil || !t.ClaimedAt.Equal(claimedAt) {
		return nil, appErrors.ErrTaskNotClaimable
	}
	return t, nil
}

func (m *MockTaskRepo) MarkSent(_ context.Context, id int, claimedAt time.Time, attempts int, providerMessageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.held(id, claimedAt)
	if err != nil {
		return err
	}
	t.State, t.Attempts, t.ProviderMessageID, t.LastError, t.ClaimedAt = model.TaskSent, attempts, providerMessageID, "", nil
	return nil
}

func (m *MockTaskRepo) MarkRetry(_ context.Context, id int, claimedAt time.Time, attempts int, lastError string, availableAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.held(id, claimedAt)
	if err != nil {
		return err
	}
	t.State, t.Attempts, t.LastError, t.AvailableAt, t.ClaimedAt = model.TaskQueued, attempts, lastError, availableAt, nil
	return nil
}

func (m *MockTaskRepo) MarkFailed(_ context.Context, id int, claimedAt time.Time, attempts int, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.held(id, claimedAt)
	if err != nil {
		return err
	}
	t.State, t.Attempts, t.LastError, t.ClaimedAt = model.TaskFailed, attempts, lastError, nil
	return nil
}

func (m *MockTaskRepo) ReclaimStuck(_ context.Context, claimedBefore time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tasks {
		if t.State == model.TaskProcessing && t.ClaimedAt != nil && t.ClaimedAt.Before(claimedBefore) {
			t.State = model.TaskQueued
			t.ClaimedAt = nil
			n++
		}
	}
	return n, nil
}

func (m *MockTaskRepo) sortedIDs() []int {
	ids := make([]int, 0, len(m.tasks))
	for id := range m.tasks {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (m *MockTaskRepo) counts(campaignID int) model.CampaignCounts {
	m.mu.Lock()
	defer m.mu.Unlock()
	var c model.CampaignCounts
	for _, t := range m.tasks {
		if t.CampaignID == nil || *t.CampaignID != campaignID {
			continue
		}
		switch t.State {
		case model.TaskQueued:
			c.Queued++
		case model.TaskProcessing:
			c.Processing++
		case model.TaskSent:
			c.Sent++
		case model.TaskFailed:
			c.Failed++
		}
	}
	return c
}

// ForCampaign returns the campaign's tasks ordered by id.
func (m *MockTaskRepo) ForCampaign(campaignID int) []model.SendTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.SendTask
	for _, id := range m.sortedIDs() {
		t := m.tasks[id]
		if t.CampaignID != nil && *t.CampaignID == campaignID {
			out = append(out, *t)
		}
	}
	return out
}

// ====================== Campaigns ======================

type MockCampaignRepo struct {
	mu        sync.Mutex
	nextID    int
	campaigns map[int]*model.Campaign
	Tasks     *MockTaskRepo
	Delivery  map[string]int
}

var _ repository.CampaignRepositoryInterface = (*MockCampaignRepo)(nil)

func NewMockCampaignRepo(tasks *MockTaskRepo) *MockCampaignRepo {
	return &MockCampaignRepo{campaigns: map[int]*model.Campaign{}, Tasks: tasks}
}

func (m *MockCampaignRepo) Create(_ context.Context, c *model.Campaign) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	c.ID = m.nextID
	if c.Status == "" {
		c.Status = model.CampaignDraft
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC).Add(time.Duration(c.ID) * time.Minute)
	}
	cp := *c
	m.campaigns[c.ID] = &cp
	return nil
}

func (m *MockCampaignRepo) GetByID(_ context.Context, id int) (*model.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	cp := *c
	return &cp, nil
}

func (m *MockCampaignRepo) ListCampaigns(_ context.Context, offset, limit int, tenantID, status string) ([]*model.CampaignSummary, int, error) {
	m.mu.Lock()
	ids := make([]int, 0, len(m.campaigns))
	for id, c := range m.campaigns {
		if (tenantID == "" || c.TenantID == tenantID) && (status == "" || c.Status == status) {
			ids = append(ids, id)
		}
	}
	// newest first, like the SQL
	sort.Sort(sort.Reverse(sort.IntSlice(ids)))
	var page []*model.Campaign
	for i := offset; i < len(ids) && i < offset+limit; i++ {
		cp := *m.campaigns[ids[i]]
		page = append(page, &cp)
	}
	m.mu.Unlock()

	out := make([]*model.CampaignSummary, len(page))
	for i, c := range page {
		out[i] = &model.CampaignSummary{Campaign: *c, Counts: m.countsFor(c.ID)}
	}
	return out, len(ids), nil
}

func (m *MockCampaignRepo) ListRunningIDs(_ context.Context) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int
	for id, c := range m.campaigns {
		if c.Status == model.CampaignRunning {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids, nil
}

func (m *MockCampaignRepo) TransitionStatus(_ context.Context, id int, from []string, to string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return false, nil
	}
	for _, f := range from {
		if c.Status == f {
			c.Status = to
			return true, nil
		}
	}
	return false, nil
}

func (m *MockCampaignRepo) GetCampaignStats(_ context.Context, id int) (model.CampaignCounts, error) {
	return m.countsFor(id), nil
}

func (m *MockCampaignRepo) countsFor(id int) model.CampaignCounts {
	if m.Tasks == nil {
		return model.CampaignCounts{}
	}
	return m.Tasks.counts(id)
}

func (m *MockCampaignRepo) RecentErrors(_ context.Context, id, limit int) ([]model.TaskError, error) {
	if m.Tasks == nil {
		return nil, nil
	}
	var out []model.TaskError
	for _, t := range m.Tasks.ForCampaign(id) {
		if t.LastError != "" && len(out) < limit {
			out = append(out, model.TaskError{TaskID: t.ID, Recipient: t.Recipient, Reason: t.LastError})
		}
	}
	return out, nil
}

func (m *MockCampaignRepo) DeliveryBreakdown(_ context.Context, _ int) (map[string]int, error) {
	return m.Delivery, nil
}

// Status returns the stored status of a campaign.
func (m *MockCampaignRepo) Status(id int) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.campaigns[id].Status
}

// ====================== Contacts ======================

type MockContactRepo struct {
	contacts map[int]*model.Contact
}

var _ repository.ContactRepositoryInterface = (*MockContactRepo)(nil)

func NewMockContactRepo(contacts ...*model.Contact) *MockContactRepo {
	m := &MockContactRepo{contacts: map[int]*model.Contact{}}
	for _, c := range contacts {
		m.contacts[c.ID] = c
	}
	return m
}

func (m *MockContactRepo) GetByID(_ context.Context, id int) (*model.Contact, error) {
	c, ok := m.contacts[id]
	if !ok {
		return nil, appErrors.NewContactNotFound(id)
	}
	return c, nil
}

func (m *MockContactRepo) GetByIDs(_ context.Context, tenantID string, ids []int) ([]*model.Contact, error) {
	seen := map[int]bool{}
	var out []*model.Contact
	for _, id := range ids {
		c, ok := m.contacts[id]
		if ok && !seen[id] && c.TenantID == tenantID {
			out = append(out, c)
		}
		seen[id] = true
	}
	return out, nil
}

func (m *MockContactRepo) Create(_ context.Context, c *model.Contact) error {
	m.contacts[c.ID] = c
	return nil
}

// ====================== Dispatch collaborators ======================

type fakeProvider struct {
	mu    sync.Mutex
	sends []provider.Message
	fn    func(n int, msg provider.Message) (provider.Result, error)
}

func (p *fakeProvider) Send(_ context.Context, msg provider.Message) (provider.Result, error) {
	p.mu.Lock()
	p.sends = append(p.sends, msg)
	n := len(p.sends)
	p.mu.Unlock()
	if p.fn != nil {
		return p.fn(n, msg)
	}
	return provider.Result{MessageID: "wamid.test-" + msg.To, HTTPStatus: 200}, nil
}

func (p *fakeProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sends)
}

// countingLimiter allows the first Allow acquisitions and denies the rest.
type countingLimiter struct {
	mu       sync.Mutex
	Allow    int
	acquired int
}

func (l *countingLimiter) TryAcquire(_ context.Context, _ string) (ratelimit.Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.acquired >= l.Allow {
		return ratelimit.Decision{RetryAfter: 30 * time.Second}, nil
	}
	l.acquired++
	return ratelimit.Decision{Allowed: true}, nil
}

func (l *countingLimiter) Delay() time.Duration { return 0 }

type fakeGate struct {
	windows map[string]model.ConversationWindow
	err     error
	calls   int
}

func (g *fakeGate) Window(_ context.Context, conversationID string) (model.ConversationWindow, error) {
	if w, ok := g.windows[conversationID]; ok {
		return w, nil
	}
	return model.ConversationWindow{ConversationID: conversationID, State: model.WindowUnknown}, nil
}

func (g *fakeGate) AuthorizeFreeform(ctx context.Context, conversationID string) (session.Authorization, error) {
	g.calls++
	if g.err != nil {
		return session.Authorization{}, g.err
	}
	w, _ := g.Window(ctx, conversationID)
	switch w.State {
	case model.WindowActive:
		return session.Authorization{Allowed: true, Window: w}, nil
	case model.WindowExpired:
		return session.Authorization{Reason: appErrors.ReasonWindowExpired, Window: w}, nil
	}
	return session.Authorization{Reason: appErrors.ReasonWindowUnknown, Window: w}, nil
}

type recordedConversations struct {
	mu       sync.Mutex
	messages []model.ConversationMessage
}

func (r *recordedConversations) Append(_ context.Context, m *model.ConversationMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, *m)
	return nil
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
