package storage

import (
	"github.com/decloud/orchestrator/pkg/events"
	"github.com/decloud/orchestrator/pkg/types"
)

// Store is the persistence gateway: every other component reaches the
// durable record of cluster state through this interface rather than
// touching bbolt directly. It also implements events.Appender so the
// event bus can persist past its in-memory subscriber window.
type Store interface {
	// Nodes
	CreateNode(node *types.Node) error
	GetNode(id string) (*types.Node, error)
	GetNodeByWallet(walletAddress string) (*types.Node, error)
	ListNodes() ([]*types.Node, error)
	UpdateNode(node *types.Node) error
	DeleteNode(id string) error

	// Virtual machines
	CreateVm(vm *types.VirtualMachine) error
	GetVm(id string) (*types.VirtualMachine, error)
	ListVms() ([]*types.VirtualMachine, error)
	ListVmsByNode(nodeID string) ([]*types.VirtualMachine, error)
	ListVmsByOwner(ownerUserID string) ([]*types.VirtualMachine, error)
	ListVmsBySystemRole(role types.ObligationRole) ([]*types.VirtualMachine, error)
	UpdateVm(vm *types.VirtualMachine) error
	DeleteVm(id string) error

	// Users
	CreateUser(user *types.User) error
	GetUser(id string) (*types.User, error)
	GetUserByWallet(walletAddress string) (*types.User, error)
	ListUsers() ([]*types.User, error)
	UpdateUser(user *types.User) error
	DeleteUser(id string) error

	// Node auth tokens
	CreateNodeAuthToken(token *types.NodeAuthToken) error
	GetNodeAuthTokenByHash(tokenHash string) (*types.NodeAuthToken, error)
	ListNodeAuthTokens() ([]*types.NodeAuthToken, error)
	UpdateNodeAuthToken(token *types.NodeAuthToken) error
	DeleteNodeAuthToken(id string) error

	// Refresh tokens (user-facing auth)
	CreateRefreshToken(token *types.RefreshToken) error
	GetRefreshTokenByHash(tokenHash string) (*types.RefreshToken, error)
	DeleteRefreshToken(id string) error

	// API keys (user-facing auth)
	CreateApiKey(key *types.ApiKey) error
	GetApiKeyByPrefix(prefix string) (*types.ApiKey, error)
	ListApiKeysByUser(userID string) ([]*types.ApiKey, error)
	UpdateApiKey(key *types.ApiKey) error
	DeleteApiKey(id string) error

	// Templates
	CreateTemplate(tmpl *types.Template) error
	GetTemplate(id string) (*types.Template, error)
	ListTemplates() ([]*types.Template, error)
	UpdateTemplate(tmpl *types.Template) error
	DeleteTemplate(id string) error

	// Template categories
	CreateTemplateCategory(cat *types.TemplateCategory) error
	ListTemplateCategories() ([]*types.TemplateCategory, error)
	DeleteTemplateCategory(id string) error

	// Usage records (metering pipeline)
	CreateUsageRecord(rec *types.UsageRecord) error
	ListUnsettledUsageRecords() ([]*types.UsageRecord, error)
	ListUsageRecordsByVm(vmID string) ([]*types.UsageRecord, error)
	MarkUsageRecordsSettled(ids []string, batchID string) error

	// Settlement batches
	CreateSettlementBatch(batch *types.SettlementBatch) error
	GetSettlementBatch(id string) (*types.SettlementBatch, error)
	ListSettlementBatches() ([]*types.SettlementBatch, error)
	UpdateSettlementBatch(batch *types.SettlementBatch) error

	// Routes (central ingress registry)
	CreateRoute(route *types.Route) error
	GetRoute(id string) (*types.Route, error)
	GetRouteBySubdomain(subdomain string) (*types.Route, error)
	ListRoutes() ([]*types.Route, error)
	ListRoutesByVm(vmID string) ([]*types.Route, error)
	UpdateRoute(route *types.Route) error
	DeleteRoute(id string) error

	// Custom domains
	CreateCustomDomain(dom *types.CustomDomain) error
	GetCustomDomainByHost(hostname string) (*types.CustomDomain, error)
	ListCustomDomains() ([]*types.CustomDomain, error)
	ListCustomDomainsByRoute(routeID string) ([]*types.CustomDomain, error)
	UpdateCustomDomain(dom *types.CustomDomain) error
	DeleteCustomDomain(id string) error

	// Durable event log
	events.Appender
	ListEvents(limit int) ([]events.Event, error)

	Close() error
}

// ErrNotFound is returned when a lookup by id or unique key finds nothing.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "not found" }
