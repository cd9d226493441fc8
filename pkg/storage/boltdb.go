package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/decloud/orchestrator/pkg/events"
	"github.com/decloud/orchestrator/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketNodes             = []byte("nodes")
	bucketVms               = []byte("vms")
	bucketUsers             = []byte("users")
	bucketNodeAuthTokens    = []byte("node_auth_tokens")
	bucketRefreshTokens     = []byte("refresh_tokens")
	bucketApiKeys           = []byte("api_keys")
	bucketTemplates         = []byte("templates")
	bucketTemplateCats      = []byte("template_categories")
	bucketUsageRecords      = []byte("usage_records")
	bucketSettlementBatches = []byte("settlement_batches")
	bucketRoutes            = []byte("routes")
	bucketCustomDomains     = []byte("custom_domains")
	bucketEvents            = []byte("events")
)

// BoltStore implements Store on top of an embedded bbolt database. Every
// bucket holds JSON-encoded values keyed by entity ID; lookups by a
// secondary key (wallet address, subdomain, hostname) scan the bucket,
// which is fine at the node/VM counts this control plane targets.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) the bbolt file under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "orchestrator.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketNodes, bucketVms, bucketUsers, bucketNodeAuthTokens,
			bucketRefreshTokens, bucketApiKeys,
			bucketTemplates, bucketTemplateCats, bucketUsageRecords,
			bucketSettlementBatches, bucketRoutes, bucketCustomDomains,
			bucketEvents,
		}
		for _, b := range buckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func put(tx *bolt.Tx, bucket, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.Bucket(bucket).Put(key, data)
}

// --- Nodes ---

func (s *BoltStore) CreateNode(node *types.Node) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketNodes, []byte(node.ID), node)
	})
}

func (s *BoltStore) GetNode(id string) (*types.Node, error) {
	var node types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketNodes).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("node %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &node)
	})
	if err != nil {
		return nil, err
	}
	return &node, nil
}

func (s *BoltStore) GetNodeByWallet(walletAddress string) (*types.Node, error) {
	var found *types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(k, v []byte) error {
			var node types.Node
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			if strings.EqualFold(node.WalletAddress, walletAddress) {
				found = &node
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("node with wallet %s: %w", walletAddress, ErrNotFound)
	}
	return found, nil
}

func (s *BoltStore) ListNodes() ([]*types.Node, error) {
	var nodes []*types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(k, v []byte) error {
			var node types.Node
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			nodes = append(nodes, &node)
			return nil
		})
	})
	return nodes, err
}

func (s *BoltStore) UpdateNode(node *types.Node) error { return s.CreateNode(node) }

func (s *BoltStore) DeleteNode(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).Delete([]byte(id))
	})
}

// --- Virtual machines ---

func (s *BoltStore) CreateVm(vm *types.VirtualMachine) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketVms, []byte(vm.ID), vm)
	})
}

func (s *BoltStore) GetVm(id string) (*types.VirtualMachine, error) {
	var vm types.VirtualMachine
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketVms).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("vm %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &vm)
	})
	if err != nil {
		return nil, err
	}
	return &vm, nil
}

func (s *BoltStore) ListVms() ([]*types.VirtualMachine, error) {
	var vms []*types.VirtualMachine
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVms).ForEach(func(k, v []byte) error {
			var vm types.VirtualMachine
			if err := json.Unmarshal(v, &vm); err != nil {
				return err
			}
			vms = append(vms, &vm)
			return nil
		})
	})
	return vms, err
}

func (s *BoltStore) ListVmsByNode(nodeID string) ([]*types.VirtualMachine, error) {
	all, err := s.ListVms()
	if err != nil {
		return nil, err
	}
	var filtered []*types.VirtualMachine
	for _, vm := range all {
		if vm.NodeID == nodeID {
			filtered = append(filtered, vm)
		}
	}
	return filtered, nil
}

func (s *BoltStore) ListVmsByOwner(ownerUserID string) ([]*types.VirtualMachine, error) {
	all, err := s.ListVms()
	if err != nil {
		return nil, err
	}
	var filtered []*types.VirtualMachine
	for _, vm := range all {
		if vm.Owner == ownerUserID {
			filtered = append(filtered, vm)
		}
	}
	return filtered, nil
}

func (s *BoltStore) ListVmsBySystemRole(role types.ObligationRole) ([]*types.VirtualMachine, error) {
	all, err := s.ListVms()
	if err != nil {
		return nil, err
	}
	var filtered []*types.VirtualMachine
	for _, vm := range all {
		if vm.IsSystemVm && vm.SystemRole == role {
			filtered = append(filtered, vm)
		}
	}
	return filtered, nil
}

func (s *BoltStore) UpdateVm(vm *types.VirtualMachine) error { return s.CreateVm(vm) }

func (s *BoltStore) DeleteVm(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVms).Delete([]byte(id))
	})
}

// --- Users ---

func (s *BoltStore) CreateUser(user *types.User) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketUsers, []byte(user.ID), user)
	})
}

func (s *BoltStore) GetUser(id string) (*types.User, error) {
	var user types.User
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketUsers).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("user %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &user)
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *BoltStore) GetUserByWallet(walletAddress string) (*types.User, error) {
	return s.GetUser(strings.ToLower(walletAddress))
}

func (s *BoltStore) ListUsers() ([]*types.User, error) {
	var users []*types.User
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			var user types.User
			if err := json.Unmarshal(v, &user); err != nil {
				return err
			}
			users = append(users, &user)
			return nil
		})
	})
	return users, err
}

func (s *BoltStore) UpdateUser(user *types.User) error { return s.CreateUser(user) }

func (s *BoltStore) DeleteUser(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUsers).Delete([]byte(id))
	})
}

// --- Node auth tokens ---

func (s *BoltStore) CreateNodeAuthToken(token *types.NodeAuthToken) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketNodeAuthTokens, []byte(token.ID), token)
	})
}

func (s *BoltStore) GetNodeAuthTokenByHash(tokenHash string) (*types.NodeAuthToken, error) {
	var found *types.NodeAuthToken
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodeAuthTokens).ForEach(func(k, v []byte) error {
			var tok types.NodeAuthToken
			if err := json.Unmarshal(v, &tok); err != nil {
				return err
			}
			if tok.TokenHash == tokenHash {
				found = &tok
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("node auth token: %w", ErrNotFound)
	}
	return found, nil
}

func (s *BoltStore) ListNodeAuthTokens() ([]*types.NodeAuthToken, error) {
	var toks []*types.NodeAuthToken
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodeAuthTokens).ForEach(func(k, v []byte) error {
			var tok types.NodeAuthToken
			if err := json.Unmarshal(v, &tok); err != nil {
				return err
			}
			toks = append(toks, &tok)
			return nil
		})
	})
	return toks, err
}

func (s *BoltStore) UpdateNodeAuthToken(token *types.NodeAuthToken) error {
	return s.CreateNodeAuthToken(token)
}

func (s *BoltStore) DeleteNodeAuthToken(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodeAuthTokens).Delete([]byte(id))
	})
}

// --- Refresh tokens ---

func (s *BoltStore) CreateRefreshToken(token *types.RefreshToken) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketRefreshTokens, []byte(token.ID), token)
	})
}

func (s *BoltStore) GetRefreshTokenByHash(tokenHash string) (*types.RefreshToken, error) {
	var found *types.RefreshToken
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRefreshTokens).ForEach(func(k, v []byte) error {
			var t types.RefreshToken
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			if t.TokenHash == tokenHash {
				found = &t
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("refresh token: %w", ErrNotFound)
	}
	return found, nil
}

func (s *BoltStore) DeleteRefreshToken(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRefreshTokens).Delete([]byte(id))
	})
}

// --- API keys ---

func (s *BoltStore) CreateApiKey(key *types.ApiKey) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketApiKeys, []byte(key.ID), key)
	})
}

func (s *BoltStore) GetApiKeyByPrefix(prefix string) (*types.ApiKey, error) {
	var found *types.ApiKey
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketApiKeys).ForEach(func(k, v []byte) error {
			var key types.ApiKey
			if err := json.Unmarshal(v, &key); err != nil {
				return err
			}
			if key.Prefix == prefix {
				found = &key
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("api key: %w", ErrNotFound)
	}
	return found, nil
}

func (s *BoltStore) ListApiKeysByUser(userID string) ([]*types.ApiKey, error) {
	var out []*types.ApiKey
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketApiKeys).ForEach(func(k, v []byte) error {
			var key types.ApiKey
			if err := json.Unmarshal(v, &key); err != nil {
				return err
			}
			if key.UserID == userID {
				out = append(out, &key)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) UpdateApiKey(key *types.ApiKey) error { return s.CreateApiKey(key) }

func (s *BoltStore) DeleteApiKey(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketApiKeys).Delete([]byte(id))
	})
}

// --- Templates ---

func (s *BoltStore) CreateTemplate(tmpl *types.Template) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketTemplates, []byte(tmpl.ID), tmpl)
	})
}

func (s *BoltStore) GetTemplate(id string) (*types.Template, error) {
	var tmpl types.Template
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTemplates).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("template %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &tmpl)
	})
	if err != nil {
		return nil, err
	}
	return &tmpl, nil
}

func (s *BoltStore) ListTemplates() ([]*types.Template, error) {
	var tmpls []*types.Template
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTemplates).ForEach(func(k, v []byte) error {
			var tmpl types.Template
			if err := json.Unmarshal(v, &tmpl); err != nil {
				return err
			}
			tmpls = append(tmpls, &tmpl)
			return nil
		})
	})
	return tmpls, err
}

func (s *BoltStore) UpdateTemplate(tmpl *types.Template) error { return s.CreateTemplate(tmpl) }

func (s *BoltStore) DeleteTemplate(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTemplates).Delete([]byte(id))
	})
}

// --- Template categories ---

func (s *BoltStore) CreateTemplateCategory(cat *types.TemplateCategory) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketTemplateCats, []byte(cat.ID), cat)
	})
}

func (s *BoltStore) ListTemplateCategories() ([]*types.TemplateCategory, error) {
	var cats []*types.TemplateCategory
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTemplateCats).ForEach(func(k, v []byte) error {
			var cat types.TemplateCategory
			if err := json.Unmarshal(v, &cat); err != nil {
				return err
			}
			cats = append(cats, &cat)
			return nil
		})
	})
	return cats, err
}

func (s *BoltStore) DeleteTemplateCategory(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTemplateCats).Delete([]byte(id))
	})
}

// --- Usage records ---

func (s *BoltStore) CreateUsageRecord(rec *types.UsageRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketUsageRecords, []byte(rec.ID), rec)
	})
}

func (s *BoltStore) ListUnsettledUsageRecords() ([]*types.UsageRecord, error) {
	var recs []*types.UsageRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUsageRecords).ForEach(func(k, v []byte) error {
			var rec types.UsageRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if !rec.Settled {
				recs = append(recs, &rec)
			}
			return nil
		})
	})
	return recs, err
}

func (s *BoltStore) ListUsageRecordsByVm(vmID string) ([]*types.UsageRecord, error) {
	var recs []*types.UsageRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUsageRecords).ForEach(func(k, v []byte) error {
			var rec types.UsageRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.VmID == vmID {
				recs = append(recs, &rec)
			}
			return nil
		})
	})
	return recs, err
}

func (s *BoltStore) MarkUsageRecordsSettled(ids []string, batchID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsageRecords)
		for _, id := range ids {
			data := b.Get([]byte(id))
			if data == nil {
				continue
			}
			var rec types.UsageRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				return err
			}
			rec.Settled = true
			rec.SettlementTxHash = batchID
			updated, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(id), updated); err != nil {
				return err
			}
		}
		return nil
	})
}

// --- Settlement batches ---

func (s *BoltStore) CreateSettlementBatch(batch *types.SettlementBatch) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketSettlementBatches, []byte(batch.ID), batch)
	})
}

func (s *BoltStore) GetSettlementBatch(id string) (*types.SettlementBatch, error) {
	var batch types.SettlementBatch
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSettlementBatches).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("settlement batch %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &batch)
	})
	if err != nil {
		return nil, err
	}
	return &batch, nil
}

func (s *BoltStore) ListSettlementBatches() ([]*types.SettlementBatch, error) {
	var batches []*types.SettlementBatch
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSettlementBatches).ForEach(func(k, v []byte) error {
			var batch types.SettlementBatch
			if err := json.Unmarshal(v, &batch); err != nil {
				return err
			}
			batches = append(batches, &batch)
			return nil
		})
	})
	return batches, err
}

func (s *BoltStore) UpdateSettlementBatch(batch *types.SettlementBatch) error {
	return s.CreateSettlementBatch(batch)
}

// --- Routes ---

func (s *BoltStore) CreateRoute(route *types.Route) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketRoutes, []byte(route.ID), route)
	})
}

func (s *BoltStore) GetRoute(id string) (*types.Route, error) {
	var route types.Route
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRoutes).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("route %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &route)
	})
	if err != nil {
		return nil, err
	}
	return &route, nil
}

func (s *BoltStore) GetRouteBySubdomain(subdomain string) (*types.Route, error) {
	var found *types.Route
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRoutes).ForEach(func(k, v []byte) error {
			var route types.Route
			if err := json.Unmarshal(v, &route); err != nil {
				return err
			}
			if strings.EqualFold(route.Subdomain, subdomain) {
				found = &route
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("route with subdomain %s: %w", subdomain, ErrNotFound)
	}
	return found, nil
}

func (s *BoltStore) ListRoutes() ([]*types.Route, error) {
	var routes []*types.Route
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRoutes).ForEach(func(k, v []byte) error {
			var route types.Route
			if err := json.Unmarshal(v, &route); err != nil {
				return err
			}
			routes = append(routes, &route)
			return nil
		})
	})
	return routes, err
}

func (s *BoltStore) ListRoutesByVm(vmID string) ([]*types.Route, error) {
	all, err := s.ListRoutes()
	if err != nil {
		return nil, err
	}
	var filtered []*types.Route
	for _, r := range all {
		if r.VmID == vmID {
			filtered = append(filtered, r)
		}
	}
	return filtered, nil
}

func (s *BoltStore) UpdateRoute(route *types.Route) error { return s.CreateRoute(route) }

func (s *BoltStore) DeleteRoute(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRoutes).Delete([]byte(id))
	})
}

// --- Custom domains ---

func (s *BoltStore) CreateCustomDomain(dom *types.CustomDomain) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketCustomDomains, []byte(dom.ID), dom)
	})
}

func (s *BoltStore) GetCustomDomainByHost(hostname string) (*types.CustomDomain, error) {
	var found *types.CustomDomain
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCustomDomains).ForEach(func(k, v []byte) error {
			var dom types.CustomDomain
			if err := json.Unmarshal(v, &dom); err != nil {
				return err
			}
			if strings.EqualFold(dom.Domain, hostname) {
				found = &dom
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("custom domain %s: %w", hostname, ErrNotFound)
	}
	return found, nil
}

func (s *BoltStore) ListCustomDomains() ([]*types.CustomDomain, error) {
	var doms []*types.CustomDomain
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCustomDomains).ForEach(func(k, v []byte) error {
			var dom types.CustomDomain
			if err := json.Unmarshal(v, &dom); err != nil {
				return err
			}
			doms = append(doms, &dom)
			return nil
		})
	})
	return doms, err
}

func (s *BoltStore) ListCustomDomainsByRoute(routeID string) ([]*types.CustomDomain, error) {
	route, err := s.GetRoute(routeID)
	if err != nil {
		return nil, err
	}
	all, err := s.ListCustomDomains()
	if err != nil {
		return nil, err
	}
	var filtered []*types.CustomDomain
	for _, d := range all {
		if d.VmID == route.VmID {
			filtered = append(filtered, d)
		}
	}
	return filtered, nil
}

func (s *BoltStore) UpdateCustomDomain(dom *types.CustomDomain) error {
	return s.CreateCustomDomain(dom)
}

func (s *BoltStore) DeleteCustomDomain(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCustomDomains).Delete([]byte(id))
	})
}

// --- Durable event log ---

// AppendEvent satisfies events.Appender, keyed by a lexicographically
// sortable sequence number so ListEvents can page newest-first.
func (s *BoltStore) AppendEvent(e events.Event) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := []byte(fmt.Sprintf("%020d", seq))
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

// ListEvents returns up to limit events, most recent first.
func (s *BoltStore) ListEvents(limit int) ([]events.Event, error) {
	var out []events.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		for k, v := c.Last(); k != nil && (limit <= 0 || len(out) < limit); k, v = c.Prev() {
			var e events.Event
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}
