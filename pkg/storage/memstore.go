package storage

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/decloud/orchestrator/pkg/events"
	"github.com/decloud/orchestrator/pkg/types"
)

// MemStore is an in-memory Store used by component tests that don't need
// real persistence. It applies the same lookup semantics as BoltStore
// (case-insensitive secondary key matches, not-found wraps ErrNotFound).
type MemStore struct {
	mu sync.Mutex

	nodes             map[string]*types.Node
	vms               map[string]*types.VirtualMachine
	users             map[string]*types.User
	nodeAuthTokens    map[string]*types.NodeAuthToken
	templates         map[string]*types.Template
	templateCats      map[string]*types.TemplateCategory
	usageRecords      map[string]*types.UsageRecord
	settlementBatches map[string]*types.SettlementBatch
	routes            map[string]*types.Route
	customDomains     map[string]*types.CustomDomain
	refreshTokens     map[string]*types.RefreshToken
	apiKeys           map[string]*types.ApiKey
	eventLog          []events.Event
}

// NewMemStore returns a ready-to-use in-memory Store.
func NewMemStore() *MemStore {
	return &MemStore{
		nodes:             make(map[string]*types.Node),
		vms:               make(map[string]*types.VirtualMachine),
		users:             make(map[string]*types.User),
		nodeAuthTokens:    make(map[string]*types.NodeAuthToken),
		templates:         make(map[string]*types.Template),
		templateCats:      make(map[string]*types.TemplateCategory),
		usageRecords:      make(map[string]*types.UsageRecord),
		settlementBatches: make(map[string]*types.SettlementBatch),
		routes:            make(map[string]*types.Route),
		customDomains:     make(map[string]*types.CustomDomain),
		refreshTokens:     make(map[string]*types.RefreshToken),
		apiKeys:           make(map[string]*types.ApiKey),
	}
}

func (s *MemStore) Close() error { return nil }

// --- Nodes ---

func (s *MemStore) CreateNode(node *types.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *node
	s.nodes[node.ID] = &cp
	return nil
}

func (s *MemStore) GetNode(id string) (*types.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	cp := *n
	return &cp, nil
}

func (s *MemStore) GetNodeByWallet(walletAddress string) (*types.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.nodes {
		if strings.EqualFold(n.WalletAddress, walletAddress) {
			cp := *n
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("node with wallet %s: %w", walletAddress, ErrNotFound)
}

func (s *MemStore) ListNodes() ([]*types.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		cp := *n
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemStore) UpdateNode(node *types.Node) error { return s.CreateNode(node) }

func (s *MemStore) DeleteNode(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.nodes, id)
	return nil
}

// --- Virtual machines ---

func (s *MemStore) CreateVm(vm *types.VirtualMachine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *vm
	s.vms[vm.ID] = &cp
	return nil
}

func (s *MemStore) GetVm(id string) (*types.VirtualMachine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vm, ok := s.vms[id]
	if !ok {
		return nil, fmt.Errorf("vm %s: %w", id, ErrNotFound)
	}
	cp := *vm
	return &cp, nil
}

func (s *MemStore) ListVms() ([]*types.VirtualMachine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.VirtualMachine, 0, len(s.vms))
	for _, vm := range s.vms {
		cp := *vm
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemStore) ListVmsByNode(nodeID string) ([]*types.VirtualMachine, error) {
	all, _ := s.ListVms()
	var filtered []*types.VirtualMachine
	for _, vm := range all {
		if vm.NodeID == nodeID {
			filtered = append(filtered, vm)
		}
	}
	return filtered, nil
}

func (s *MemStore) ListVmsByOwner(ownerUserID string) ([]*types.VirtualMachine, error) {
	all, _ := s.ListVms()
	var filtered []*types.VirtualMachine
	for _, vm := range all {
		if vm.Owner == ownerUserID {
			filtered = append(filtered, vm)
		}
	}
	return filtered, nil
}

func (s *MemStore) ListVmsBySystemRole(role types.ObligationRole) ([]*types.VirtualMachine, error) {
	all, _ := s.ListVms()
	var filtered []*types.VirtualMachine
	for _, vm := range all {
		if vm.IsSystemVm && vm.SystemRole == role {
			filtered = append(filtered, vm)
		}
	}
	return filtered, nil
}

func (s *MemStore) UpdateVm(vm *types.VirtualMachine) error { return s.CreateVm(vm) }

func (s *MemStore) DeleteVm(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.vms, id)
	return nil
}

// --- Users ---

func (s *MemStore) CreateUser(user *types.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *user
	s.users[user.ID] = &cp
	return nil
}

func (s *MemStore) GetUser(id string) (*types.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	cp := *u
	return &cp, nil
}

func (s *MemStore) GetUserByWallet(walletAddress string) (*types.User, error) {
	return s.GetUser(strings.ToLower(walletAddress))
}

func (s *MemStore) ListUsers() ([]*types.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.User, 0, len(s.users))
	for _, u := range s.users {
		cp := *u
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemStore) UpdateUser(user *types.User) error { return s.CreateUser(user) }

func (s *MemStore) DeleteUser(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, id)
	return nil
}

// --- Node auth tokens ---

func (s *MemStore) CreateNodeAuthToken(token *types.NodeAuthToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *token
	s.nodeAuthTokens[token.ID] = &cp
	return nil
}

func (s *MemStore) GetNodeAuthTokenByHash(tokenHash string) (*types.NodeAuthToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.nodeAuthTokens {
		if t.TokenHash == tokenHash {
			cp := *t
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("node auth token: %w", ErrNotFound)
}

func (s *MemStore) ListNodeAuthTokens() ([]*types.NodeAuthToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.NodeAuthToken, 0, len(s.nodeAuthTokens))
	for _, t := range s.nodeAuthTokens {
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemStore) UpdateNodeAuthToken(token *types.NodeAuthToken) error {
	return s.CreateNodeAuthToken(token)
}

func (s *MemStore) DeleteNodeAuthToken(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.nodeAuthTokens, id)
	return nil
}

// --- Refresh tokens ---

func (s *MemStore) CreateRefreshToken(token *types.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *token
	s.refreshTokens[token.ID] = &cp
	return nil
}

func (s *MemStore) GetRefreshTokenByHash(tokenHash string) (*types.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.refreshTokens {
		if t.TokenHash == tokenHash {
			cp := *t
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("refresh token: %w", ErrNotFound)
}

func (s *MemStore) DeleteRefreshToken(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.refreshTokens, id)
	return nil
}

// --- API keys ---

func (s *MemStore) CreateApiKey(key *types.ApiKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *key
	s.apiKeys[key.ID] = &cp
	return nil
}

func (s *MemStore) GetApiKeyByPrefix(prefix string) (*types.ApiKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.apiKeys {
		if k.Prefix == prefix {
			cp := *k
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("api key: %w", ErrNotFound)
}

func (s *MemStore) ListApiKeysByUser(userID string) ([]*types.ApiKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.ApiKey
	for _, k := range s.apiKeys {
		if k.UserID == userID {
			cp := *k
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemStore) UpdateApiKey(key *types.ApiKey) error { return s.CreateApiKey(key) }

func (s *MemStore) DeleteApiKey(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.apiKeys, id)
	return nil
}

// --- Templates ---

func (s *MemStore) CreateTemplate(tmpl *types.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *tmpl
	s.templates[tmpl.ID] = &cp
	return nil
}

func (s *MemStore) GetTemplate(id string) (*types.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.templates[id]
	if !ok {
		return nil, fmt.Errorf("template %s: %w", id, ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

func (s *MemStore) ListTemplates() ([]*types.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.Template, 0, len(s.templates))
	for _, t := range s.templates {
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemStore) UpdateTemplate(tmpl *types.Template) error { return s.CreateTemplate(tmpl) }

func (s *MemStore) DeleteTemplate(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.templates, id)
	return nil
}

// --- Template categories ---

func (s *MemStore) CreateTemplateCategory(cat *types.TemplateCategory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *cat
	s.templateCats[cat.ID] = &cp
	return nil
}

func (s *MemStore) ListTemplateCategories() ([]*types.TemplateCategory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.TemplateCategory, 0, len(s.templateCats))
	for _, c := range s.templateCats {
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemStore) DeleteTemplateCategory(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.templateCats, id)
	return nil
}

// --- Usage records ---

func (s *MemStore) CreateUsageRecord(rec *types.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.usageRecords[rec.ID] = &cp
	return nil
}

func (s *MemStore) ListUnsettledUsageRecords() ([]*types.UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.UsageRecord
	for _, r := range s.usageRecords {
		if !r.Settled {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemStore) ListUsageRecordsByVm(vmID string) ([]*types.UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.UsageRecord
	for _, r := range s.usageRecords {
		if r.VmID == vmID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemStore) MarkUsageRecordsSettled(ids []string, batchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if r, ok := s.usageRecords[id]; ok {
			r.Settled = true
			r.SettlementTxHash = batchID
		}
	}
	return nil
}

// --- Settlement batches ---

func (s *MemStore) CreateSettlementBatch(batch *types.SettlementBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *batch
	s.settlementBatches[batch.ID] = &cp
	return nil
}

func (s *MemStore) GetSettlementBatch(id string) (*types.SettlementBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.settlementBatches[id]
	if !ok {
		return nil, fmt.Errorf("settlement batch %s: %w", id, ErrNotFound)
	}
	cp := *b
	return &cp, nil
}

func (s *MemStore) ListSettlementBatches() ([]*types.SettlementBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.SettlementBatch, 0, len(s.settlementBatches))
	for _, b := range s.settlementBatches {
		cp := *b
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemStore) UpdateSettlementBatch(batch *types.SettlementBatch) error {
	return s.CreateSettlementBatch(batch)
}

// --- Routes ---

func (s *MemStore) CreateRoute(route *types.Route) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *route
	s.routes[route.ID] = &cp
	return nil
}

func (s *MemStore) GetRoute(id string) (*types.Route, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.routes[id]
	if !ok {
		return nil, fmt.Errorf("route %s: %w", id, ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

func (s *MemStore) GetRouteBySubdomain(subdomain string) (*types.Route, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.routes {
		if strings.EqualFold(r.Subdomain, subdomain) {
			cp := *r
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("route with subdomain %s: %w", subdomain, ErrNotFound)
}

func (s *MemStore) ListRoutes() ([]*types.Route, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.Route, 0, len(s.routes))
	for _, r := range s.routes {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemStore) ListRoutesByVm(vmID string) ([]*types.Route, error) {
	all, _ := s.ListRoutes()
	var filtered []*types.Route
	for _, r := range all {
		if r.VmID == vmID {
			filtered = append(filtered, r)
		}
	}
	return filtered, nil
}

func (s *MemStore) UpdateRoute(route *types.Route) error { return s.CreateRoute(route) }

func (s *MemStore) DeleteRoute(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.routes, id)
	return nil
}

// --- Custom domains ---

func (s *MemStore) CreateCustomDomain(dom *types.CustomDomain) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *dom
	s.customDomains[dom.ID] = &cp
	return nil
}

func (s *MemStore) GetCustomDomainByHost(hostname string) (*types.CustomDomain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.customDomains {
		if strings.EqualFold(d.Domain, hostname) {
			cp := *d
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("custom domain %s: %w", hostname, ErrNotFound)
}

func (s *MemStore) ListCustomDomains() ([]*types.CustomDomain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.CustomDomain, 0, len(s.customDomains))
	for _, d := range s.customDomains {
		cp := *d
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemStore) ListCustomDomainsByRoute(routeID string) ([]*types.CustomDomain, error) {
	route, err := s.GetRoute(routeID)
	if err != nil {
		return nil, err
	}
	all, _ := s.ListCustomDomains()
	var filtered []*types.CustomDomain
	for _, d := range all {
		if d.VmID == route.VmID {
			filtered = append(filtered, d)
		}
	}
	return filtered, nil
}

func (s *MemStore) UpdateCustomDomain(dom *types.CustomDomain) error {
	return s.CreateCustomDomain(dom)
}

func (s *MemStore) DeleteCustomDomain(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.customDomains, id)
	return nil
}

// --- Durable event log ---

func (s *MemStore) AppendEvent(e events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventLog = append(s.eventLog, e)
	return nil
}

func (s *MemStore) ListEvents(limit int) ([]events.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]events.Event, 0, len(s.eventLog))
	for i := len(s.eventLog) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, s.eventLog[i])
	}
	return out, nil
}
