package ingress

import (
	"testing"

	"github.com/decloud/orchestrator/pkg/config"
	"github.com/decloud/orchestrator/pkg/storage"
	"github.com/decloud/orchestrator/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProxy struct {
	reloads     int
	lastRoutes  []*types.Route
	lastDomains []*types.CustomDomain
}

func (f *fakeProxy) ReloadAllRoutes(routes []*types.Route, domains []*types.CustomDomain) error {
	f.reloads++
	f.lastRoutes = routes
	f.lastDomains = domains
	return nil
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.BaseDomain = "vms.example.com"
	cfg.MaxCustomDomainsPerVm = 2
	return cfg
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "my-web-app", sanitize("My Web_App"))
	assert.Equal(t, "ab", sanitize("a!!!b"))
	assert.Equal(t, "trimmed", sanitize("-trimmed-"))
}

func TestGenerateSubdomain(t *testing.T) {
	vm := &types.VirtualMachine{Name: "My VM"}
	assert.Equal(t, "my-vm.vms.example.com", generateSubdomain(vm, "vms.example.com"))
}

func TestRegisterVmCreatesActiveRoute(t *testing.T) {
	store := storage.NewMemStore()
	node := &types.Node{ID: "node-1", PublicIP: "198.51.100.1"}
	require.NoError(t, store.CreateNode(node))
	vm := &types.VirtualMachine{ID: "vm-1", Name: "web", NodeID: "node-1", Status: types.VmRunning}
	vm.Network.PrivateIP = "10.20.0.5"
	require.NoError(t, store.CreateVm(vm))

	proxy := &fakeProxy{}
	r := NewRegistry(store, testConfig(), proxy)
	require.NoError(t, r.RegisterVm("vm-1", 8080))

	routes, err := store.ListRoutesByVm("vm-1")
	require.NoError(t, err)
	require.Len(t, routes, 1)
	assert.Equal(t, types.RouteActive, routes[0].Status)
	assert.Equal(t, "web.vms.example.com", routes[0].Subdomain)
	assert.Equal(t, 1, proxy.reloads)
}

func TestRegisterVmRejectsWithoutPrivateIP(t *testing.T) {
	store := storage.NewMemStore()
	node := &types.Node{ID: "node-1"}
	require.NoError(t, store.CreateNode(node))
	vm := &types.VirtualMachine{ID: "vm-1", NodeID: "node-1", Status: types.VmRunning}
	require.NoError(t, store.CreateVm(vm))

	r := NewRegistry(store, testConfig(), nil)
	assert.Error(t, r.RegisterVm("vm-1", 8080))
}

func TestUnregisterVmPausesRoute(t *testing.T) {
	store := storage.NewMemStore()
	node := &types.Node{ID: "node-1"}
	require.NoError(t, store.CreateNode(node))
	vm := &types.VirtualMachine{ID: "vm-1", Name: "web", NodeID: "node-1", Status: types.VmRunning}
	vm.Network.PrivateIP = "10.20.0.5"
	require.NoError(t, store.CreateVm(vm))

	r := NewRegistry(store, testConfig(), nil)
	require.NoError(t, r.RegisterVm("vm-1", 80))
	require.NoError(t, r.UnregisterVm("vm-1"))

	routes, err := store.ListRoutesByVm("vm-1")
	require.NoError(t, err)
	require.Len(t, routes, 1)
	assert.Equal(t, types.RoutePaused, routes[0].Status)
}

func TestDeleteVmRemovesRouteAndDomains(t *testing.T) {
	store := storage.NewMemStore()
	node := &types.Node{ID: "node-1"}
	require.NoError(t, store.CreateNode(node))
	vm := &types.VirtualMachine{ID: "vm-1", Name: "web", NodeID: "node-1", Status: types.VmRunning}
	vm.Network.PrivateIP = "10.20.0.5"
	require.NoError(t, store.CreateVm(vm))

	r := NewRegistry(store, testConfig(), nil)
	require.NoError(t, r.RegisterVm("vm-1", 80))
	_, err := r.AddCustomDomain("vm-1", "app.customer.com", 80)
	require.NoError(t, err)

	require.NoError(t, r.DeleteVm("vm-1"))

	routes, err := store.ListRoutesByVm("vm-1")
	require.NoError(t, err)
	assert.Empty(t, routes)
	_, err = store.GetCustomDomainByHost("app.customer.com")
	assert.Error(t, err)
}

func TestAddCustomDomainRejectsIP(t *testing.T) {
	store := storage.NewMemStore()
	node := &types.Node{ID: "node-1"}
	require.NoError(t, store.CreateNode(node))
	vm := &types.VirtualMachine{ID: "vm-1", NodeID: "node-1", Status: types.VmRunning}
	vm.Network.PrivateIP = "10.20.0.5"
	require.NoError(t, store.CreateVm(vm))
	r := NewRegistry(store, testConfig(), nil)
	require.NoError(t, r.RegisterVm("vm-1", 80))

	_, err := r.AddCustomDomain("vm-1", "203.0.113.5", 80)
	assert.Error(t, err)
}

func TestAddCustomDomainRejectsBaseDomainSubdomain(t *testing.T) {
	store := storage.NewMemStore()
	node := &types.Node{ID: "node-1"}
	require.NoError(t, store.CreateNode(node))
	vm := &types.VirtualMachine{ID: "vm-1", NodeID: "node-1", Status: types.VmRunning}
	vm.Network.PrivateIP = "10.20.0.5"
	require.NoError(t, store.CreateVm(vm))
	r := NewRegistry(store, testConfig(), nil)
	require.NoError(t, r.RegisterVm("vm-1", 80))

	_, err := r.AddCustomDomain("vm-1", "foo.vms.example.com", 80)
	assert.Error(t, err)
}

func TestAddCustomDomainEnforcesPerVmCap(t *testing.T) {
	store := storage.NewMemStore()
	node := &types.Node{ID: "node-1"}
	require.NoError(t, store.CreateNode(node))
	vm := &types.VirtualMachine{ID: "vm-1", NodeID: "node-1", Status: types.VmRunning}
	vm.Network.PrivateIP = "10.20.0.5"
	require.NoError(t, store.CreateVm(vm))
	r := NewRegistry(store, testConfig(), nil)
	require.NoError(t, r.RegisterVm("vm-1", 80))

	_, err := r.AddCustomDomain("vm-1", "one.customer.com", 80)
	require.NoError(t, err)
	_, err = r.AddCustomDomain("vm-1", "two.customer.com", 80)
	require.NoError(t, err)
	_, err = r.AddCustomDomain("vm-1", "three.customer.com", 80)
	assert.Error(t, err)
}

func TestAddCustomDomainRejectsGlobalDuplicate(t *testing.T) {
	store := storage.NewMemStore()
	node := &types.Node{ID: "node-1"}
	require.NoError(t, store.CreateNode(node))
	vm1 := &types.VirtualMachine{ID: "vm-1", NodeID: "node-1", Status: types.VmRunning}
	vm1.Network.PrivateIP = "10.20.0.5"
	require.NoError(t, store.CreateVm(vm1))
	vm2 := &types.VirtualMachine{ID: "vm-2", NodeID: "node-1", Status: types.VmRunning}
	vm2.Network.PrivateIP = "10.20.0.6"
	require.NoError(t, store.CreateVm(vm2))

	r := NewRegistry(store, testConfig(), nil)
	require.NoError(t, r.RegisterVm("vm-1", 80))
	require.NoError(t, r.RegisterVm("vm-2", 80))

	_, err := r.AddCustomDomain("vm-1", "shared.customer.com", 80)
	require.NoError(t, err)
	_, err = r.AddCustomDomain("vm-2", "shared.customer.com", 80)
	assert.Error(t, err)
}

func TestIsCustomDomainRegisteredReflectsStatus(t *testing.T) {
	store := storage.NewMemStore()
	node := &types.Node{ID: "node-1"}
	require.NoError(t, store.CreateNode(node))
	vm := &types.VirtualMachine{ID: "vm-1", NodeID: "node-1", Status: types.VmRunning}
	vm.Network.PrivateIP = "10.20.0.5"
	require.NoError(t, store.CreateVm(vm))
	r := NewRegistry(store, testConfig(), nil)
	require.NoError(t, r.RegisterVm("vm-1", 80))

	cd, err := r.AddCustomDomain("vm-1", "pending.customer.com", 80)
	require.NoError(t, err)
	assert.False(t, r.IsCustomDomainRegistered("pending.customer.com"))

	cd.Status = types.RouteActive
	require.NoError(t, store.UpdateCustomDomain(cd))
	assert.True(t, r.IsCustomDomainRegistered("pending.customer.com"))
}
