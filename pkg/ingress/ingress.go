package ingress

import (
	"fmt"
	"net"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/decloud/orchestrator/pkg/config"
	"github.com/decloud/orchestrator/pkg/log"
	"github.com/decloud/orchestrator/pkg/metrics"
	"github.com/decloud/orchestrator/pkg/orcherr"
	"github.com/decloud/orchestrator/pkg/storage"
	"github.com/decloud/orchestrator/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// maxSubdomainLength matches the DNS label limit.
const maxSubdomainLength = 63

var hyphenRuns = regexp.MustCompile(`-+`)
var notDNSLabel = regexp.MustCompile(`[^a-z0-9-]`)

// domainPattern is a conservative DNS-style hostname check: labels of
// alphanumerics and hyphens, dot-separated, no leading/trailing hyphen
// per label.
var domainPattern = regexp.MustCompile(`^([a-z0-9]([a-z0-9-]*[a-z0-9])?\.)+[a-z]{2,}$`)

// defaultHTTPPort is used when a VM registers with the ingress without a
// specific direct-access port (the common case: subdomain routing always
// targets the VM's http/ws listener).
const defaultHTTPPort = 80

// ProxyClient reloads the external reverse proxy's full routing table.
// The orchestrator hands this whatever fronts traffic; tests can supply
// a recording fake.
type ProxyClient interface {
	ReloadAllRoutes(activeRoutes []*types.Route, activeCustomDomains []*types.CustomDomain) error
}

// Registry is the Central Ingress Registry.
type Registry struct {
	store  storage.Store
	cfg    *config.Config
	proxy  ProxyClient
	logger zerolog.Logger

	// ingressReloadLock serializes proxy reloads so two concurrent
	// route changes can never race to push a stale full-state reload
	// after a newer one.
	ingressReloadLock sync.Mutex
}

// NewRegistry creates a Central Ingress Registry bound to the given
// store and configuration. proxy may be nil in tests that only care
// about routing-table bookkeeping.
func NewRegistry(store storage.Store, cfg *config.Config, proxy ProxyClient) *Registry {
	return &Registry{
		store:  store,
		cfg:    cfg,
		proxy:  proxy,
		logger: log.WithComponent("ingress"),
	}
}

// SetProxyClient wires the external proxy once it is constructed.
func (r *Registry) SetProxyClient(proxy ProxyClient) {
	r.proxy = proxy
}

// sanitize lower-cases, replaces spaces/underscores with hyphens, strips
// anything outside [a-z0-9-], collapses hyphen runs, and trims to the DNS
// label limit.
func sanitize(name string) string {
	s := strings.ToLower(name)
	s = strings.ReplaceAll(s, " ", "-")
	s = strings.ReplaceAll(s, "_", "-")
	s = notDNSLabel.ReplaceAllString(s, "")
	s = hyphenRuns.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > maxSubdomainLength {
		s = strings.Trim(s[:maxSubdomainLength], "-")
	}
	return s
}

func generateSubdomain(vm *types.VirtualMachine, baseDomain string) string {
	return sanitize(vm.Name) + "." + baseDomain
}

// RegisterVm points vm's default subdomain at the node currently serving
// it and triggers a proxy reload. The VM must be Running with a known
// private IP; lifecycle's enteringRunning side effect only calls this
// once that is true.
func (r *Registry) RegisterVm(vmID string, port int) error {
	vm, err := r.store.GetVm(vmID)
	if err != nil {
		return fmt.Errorf("register vm with ingress: %w", err)
	}
	if vm.Status != types.VmRunning || vm.Network.PrivateIP == "" {
		return orcherr.New(orcherr.KindConfiguration, "vm has no known private ip to route to")
	}
	node, err := r.store.GetNode(vm.NodeID)
	if err != nil {
		return fmt.Errorf("register vm with ingress: lookup node: %w", err)
	}

	targetPort := port
	if targetPort == 0 {
		targetPort = defaultHTTPPort
	}

	route, err := r.routeForVm(vmID)
	if err != nil && err != storage.ErrNotFound {
		return err
	}
	if route == nil {
		route = &types.Route{ID: uuid.NewString(), VmID: vmID, CreatedAt: time.Now()}
	}
	route.Subdomain = generateSubdomain(vm, r.cfg.BaseDomain)
	route.TargetHost = node.TunnelOrPublicIP()
	route.TargetPort = targetPort
	route.Status = types.RouteActive

	if err := r.store.UpdateRoute(route); err != nil {
		if err := r.store.CreateRoute(route); err != nil {
			return fmt.Errorf("persist route: %w", err)
		}
	}

	vm.Ingress.DefaultSubdomainEnabled = true
	vm.Ingress.DefaultPort = targetPort
	if err := r.store.UpdateVm(vm); err != nil {
		return fmt.Errorf("persist vm ingress config: %w", err)
	}

	metrics.RoutesTotal.WithLabelValues(string(types.RouteActive)).Inc()
	r.reload()
	return nil
}

// UnregisterVm pauses vm's route (and any Active custom domains) without
// deleting them, for VMs leaving Running or entering Stopped.
func (r *Registry) UnregisterVm(vmID string) error {
	route, err := r.routeForVm(vmID)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil
		}
		return err
	}
	route.Status = types.RoutePaused
	if err := r.store.UpdateRoute(route); err != nil {
		return err
	}

	domains, err := r.store.ListCustomDomainsByRoute(route.ID)
	if err == nil {
		for _, d := range domains {
			if d.Status == types.RouteActive {
				d.Status = types.RoutePaused
				_ = r.store.UpdateCustomDomain(d)
			}
		}
	}

	r.reload()
	return nil
}

// DeleteVm removes vm's route and custom domains entirely, for VMs
// entering Deleted.
func (r *Registry) DeleteVm(vmID string) error {
	route, err := r.routeForVm(vmID)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil
		}
		return err
	}

	domains, err := r.store.ListCustomDomainsByRoute(route.ID)
	if err == nil {
		for _, d := range domains {
			_ = r.store.DeleteCustomDomain(d.ID)
		}
	}

	if err := r.store.DeleteRoute(route.ID); err != nil {
		return err
	}
	r.reload()
	return nil
}

func (r *Registry) routeForVm(vmID string) (*types.Route, error) {
	routes, err := r.store.ListRoutesByVm(vmID)
	if err != nil {
		return nil, err
	}
	if len(routes) == 0 {
		return nil, storage.ErrNotFound
	}
	return routes[0], nil
}

// AddCustomDomain registers a tenant-supplied domain for a VM's existing
// route. The domain starts PendingDns until VerifyDns confirms it
// resolves.
func (r *Registry) AddCustomDomain(vmID, domain string, port int) (*types.CustomDomain, error) {
	domain = strings.ToLower(strings.TrimSpace(domain))

	if !domainPattern.MatchString(domain) {
		return nil, orcherr.New(orcherr.KindConfiguration, "domain is not a valid hostname")
	}
	if net.ParseIP(domain) != nil {
		return nil, orcherr.New(orcherr.KindConfiguration, "domain must not be a bare IP address")
	}
	if domain == r.cfg.BaseDomain || strings.HasSuffix(domain, "."+r.cfg.BaseDomain) {
		return nil, orcherr.New(orcherr.KindConfiguration, "domain must not be a subdomain of the platform's base domain")
	}
	if _, err := r.store.GetCustomDomainByHost(domain); err == nil {
		return nil, orcherr.New(orcherr.KindConflict, "domain is already registered")
	}

	route, err := r.routeForVm(vmID)
	if err != nil {
		return nil, orcherr.Wrap(orcherr.KindConfiguration, "vm has no ingress route to attach a custom domain to", err)
	}
	existing, err := r.store.ListCustomDomainsByRoute(route.ID)
	if err == nil && len(existing) >= r.cfg.MaxCustomDomainsPerVm {
		return nil, orcherr.New(orcherr.KindCapacityExhausted, fmt.Sprintf("vm already has the maximum of %d custom domains", r.cfg.MaxCustomDomainsPerVm))
	}

	cd := &types.CustomDomain{
		ID:         uuid.NewString(),
		VmID:       vmID,
		Domain:     domain,
		TargetPort: port,
		Status:     types.RoutePendingDns,
	}
	if err := r.store.CreateCustomDomain(cd); err != nil {
		return nil, err
	}
	return cd, nil
}

// VerifyDns resolves domainID's hostname; at least one A/AAAA record
// flips it Active and triggers a proxy reload.
func (r *Registry) VerifyDns(domainID string) (*types.CustomDomain, error) {
	domains, err := r.store.ListCustomDomains()
	if err != nil {
		return nil, err
	}
	var cd *types.CustomDomain
	for _, d := range domains {
		if d.ID == domainID {
			cd = d
			break
		}
	}
	if cd == nil {
		return nil, storage.ErrNotFound
	}

	addrs, err := net.LookupHost(cd.Domain)
	if err != nil || len(addrs) == 0 {
		return cd, orcherr.New(orcherr.KindConfiguration, "domain does not resolve yet")
	}

	now := time.Now()
	cd.Status = types.RouteActive
	cd.VerifiedAt = &now
	if err := r.store.UpdateCustomDomain(cd); err != nil {
		return nil, err
	}
	r.reload()
	return cd, nil
}

// IsCustomDomainRegistered is the on-demand-TLS gate: true iff an Active
// custom domain exists for the given hostname.
func (r *Registry) IsCustomDomainRegistered(domain string) bool {
	cd, err := r.store.GetCustomDomainByHost(strings.ToLower(domain))
	if err != nil {
		return false
	}
	return cd.Status == types.RouteActive
}

func (r *Registry) reload() {
	r.ingressReloadLock.Lock()
	defer r.ingressReloadLock.Unlock()

	routes, err := r.store.ListRoutes()
	if err != nil {
		r.logger.Error().Err(err).Msg("list routes for proxy reload failed")
		return
	}
	var activeRoutes []*types.Route
	for _, route := range routes {
		if route.Status == types.RouteActive {
			activeRoutes = append(activeRoutes, route)
		}
	}

	domains, err := r.store.ListCustomDomains()
	if err != nil {
		r.logger.Error().Err(err).Msg("list custom domains for proxy reload failed")
		return
	}
	var activeDomains []*types.CustomDomain
	for _, d := range domains {
		if d.Status == types.RouteActive {
			activeDomains = append(activeDomains, d)
		}
	}

	if r.proxy != nil {
		if err := r.proxy.ReloadAllRoutes(activeRoutes, activeDomains); err != nil {
			r.logger.Error().Err(err).Msg("proxy reload failed")
			return
		}
	}
	metrics.ProxyReloadsTotal.Inc()
}
