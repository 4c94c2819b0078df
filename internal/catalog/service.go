package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/mbd888/escrowgate/internal/amount"
	"github.com/mbd888/escrowgate/internal/escrow"
	"github.com/mbd888/escrowgate/internal/idgen"
	"github.com/mbd888/escrowgate/internal/validation"
)

// DefaultAssets is used when no asset list is configured.
var DefaultAssets = []AssetInfo{{Asset: escrow.Native, Symbol: "ETH", Decimals: amount.NativeDecimals}}

const maxEndpoints = 64

// Service validates registrations and resolves prices.
type Service struct {
	store      Store
	assets     map[string]AssetInfo
	order      []AssetInfo
	onRegister func(ctx context.Context, l *Listing) error
	checkURL   func(ctx context.Context, rawURL string) error
	logger     *slog.Logger
	now        func() time.Time
}

// NewService creates a catalog over store. assets lists what listings may be
// priced in; the first entry is the default.
func NewService(store Store, assets ...AssetInfo) *Service {
	if len(assets) == 0 {
		assets = DefaultAssets
	}
	s := &Service{
		store:  store,
		assets: make(map[string]AssetInfo, len(assets)),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, a := range assets {
		s.assets[a.Asset.Key()] = a
		s.order = append(s.order, a)
	}
	return s
}

// WithLogger sets the service logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// OnRegister installs a hook run after a listing is stored. A hook error is
// logged; the listing stays registered.
func (s *Service) OnRegister(fn func(ctx context.Context, l *Listing) error) *Service {
	s.onRegister = fn
	return s
}

// WithURLCheck installs an extra base URL check run at registration, e.g. to
// refuse upstreams on private networks.
func (s *Service) WithURLCheck(fn func(ctx context.Context, rawURL string) error) *Service {
	s.checkURL = fn
	return s
}

// Assets returns the accepted assets, default first.
func (s *Service) Assets() []AssetInfo {
	return append([]AssetInfo(nil), s.order...)
}

// AssetInfo returns the metadata for an accepted asset.
func (s *Service) AssetInfo(a escrow.Asset) (AssetInfo, bool) {
	info, ok := s.assets[a.Key()]
	return info, ok
}

// Register validates and stores a new listing.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*Listing, error) {
	req.Provider = validation.SanitizeAddress(req.Provider)
	if errs := validation.Validate(
		validation.Required("name", req.Name),
		validation.MaxLength("name", req.Name, 128),
		validation.Required("provider", req.Provider),
		validation.ValidAddress("provider", req.Provider),
		validation.Required("baseUrl", req.BaseURL),
		validation.ValidURL("baseUrl", req.BaseURL),
	); len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidListing, errs.Error())
	}
	if s.checkURL != nil {
		if err := s.checkURL(ctx, req.BaseURL); err != nil {
			return nil, fmt.Errorf("%w: baseUrl: %v", ErrInvalidListing, err)
		}
	}
	if escrow.NewPrincipal(req.Provider).IsZero() {
		return nil, fmt.Errorf("%w: provider must be non-zero", ErrInvalidListing)
	}
	if req.ID != "" && !validation.IsValidSlug(req.ID) {
		return nil, fmt.Errorf("%w: id must be a slug", ErrInvalidListing)
	}
	if len(req.Endpoints) == 0 || len(req.Endpoints) > maxEndpoints {
		return nil, fmt.Errorf("%w: between 1 and %d endpoints required", ErrInvalidListing, maxEndpoints)
	}

	asset := s.order[0]
	if strings.TrimSpace(req.Asset) != "" {
		info, ok := s.assets[escrow.ParseAsset(req.Asset).Key()]
		if !ok {
			return nil, ErrAssetNotAllowed
		}
		asset = info
	}

	endpoints := make([]Endpoint, 0, len(req.Endpoints))
	seen := make(map[string]bool, len(req.Endpoints))
	for i, ep := range req.Endpoints {
		ep.Path = normalizePath(ep.Path)
		ep.Method = strings.ToUpper(strings.TrimSpace(ep.Method))
		if ep.Method != "" && !validMethod(ep.Method) {
			return nil, fmt.Errorf("%w: endpoints[%d].method %q", ErrInvalidListing, i, ep.Method)
		}
		if errs := validation.Validate(
			validation.ValidAmount(fmt.Sprintf("endpoints[%d].price", i), ep.Price),
			validation.Required(fmt.Sprintf("endpoints[%d].price", i), ep.Price),
			validation.MaxLength(fmt.Sprintf("endpoints[%d].path", i), ep.Path, 256),
		); len(errs) > 0 {
			return nil, fmt.Errorf("%w: %s", ErrInvalidListing, errs.Error())
		}
		if _, ok := amount.Parse(ep.Price, asset.Decimals); !ok {
			return nil, fmt.Errorf("%w: endpoints[%d].price exceeds %d decimals", ErrInvalidListing, i, asset.Decimals)
		}
		key := ep.Method + " " + ep.Path
		if seen[key] {
			return nil, fmt.Errorf("%w: duplicate endpoint %s", ErrInvalidListing, key)
		}
		seen[key] = true
		endpoints = append(endpoints, ep)
	}

	id := req.ID
	if id == "" {
		id = idgen.WithPrefix("lst_")
	}
	l := &Listing{
		ID:        id,
		Name:      validation.SanitizeString(req.Name, 128),
		Provider:  escrow.NewPrincipal(req.Provider),
		BaseURL:   strings.TrimRight(req.BaseURL, "/"),
		Asset:     asset.Asset,
		Endpoints: endpoints,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.Create(ctx, l); err != nil {
		return nil, err
	}

	if s.onRegister != nil {
		if err := s.onRegister(ctx, l); err != nil {
			s.logger.Warn("listing registered but hook failed", "listing", l.ID, "error", err)
		}
	}
	s.logger.Info("listing registered", "listing", l.ID, "provider", l.Provider, "endpoints", len(l.Endpoints))
	return l.Clone(), nil
}

// Get returns one listing.
func (s *Service) Get(ctx context.Context, id string) (*Listing, error) {
	return s.store.Get(ctx, id)
}

// List returns every listing.
func (s *Service) List(ctx context.Context) ([]*Listing, error) {
	return s.store.List(ctx)
}

// Price resolves the endpoint of l serving method and subpath. The longest
// endpoint path that equals subpath or prefixes it at a segment boundary
// wins. With fallback set, an unmatched request is priced at the first
// endpoint.
func (s *Service) Price(l *Listing, method, subpath string, fallback bool) (*Quote, error) {
	info, ok := s.assets[l.Asset.Key()]
	if !ok {
		return nil, ErrAssetNotAllowed
	}

	ep, matched := Match(l, method, subpath)
	if !matched {
		if !fallback || len(l.Endpoints) == 0 {
			return nil, ErrEndpointNotPriced
		}
		ep = l.Endpoints[0]
	}

	amt, ok := amount.Parse(ep.Price, info.Decimals)
	if !ok || amt.Sign() <= 0 {
		return nil, fmt.Errorf("%w: bad price %q on %s", ErrInvalidListing, ep.Price, ep.Path)
	}
	return &Quote{
		Listing:    l,
		Endpoint:   ep,
		EndpointID: ep.Path,
		Asset:      info,
		Amount:     amt,
		Fallback:   !matched,
	}, nil
}

// Match finds the endpoint for method and subpath by longest prefix.
func Match(l *Listing, method, subpath string) (Endpoint, bool) {
	subpath = normalizePath(subpath)
	method = strings.ToUpper(method)

	best := -1
	for i, ep := range l.Endpoints {
		if ep.Method != "" && ep.Method != method {
			continue
		}
		if !pathCovers(ep.Path, subpath) {
			continue
		}
		if best < 0 || len(ep.Path) > len(l.Endpoints[best].Path) {
			best = i
		}
	}
	if best < 0 {
		return Endpoint{}, false
	}
	return l.Endpoints[best], true
}

func pathCovers(prefix, path string) bool {
	if prefix == "/" || prefix == path {
		return true
	}
	return strings.HasPrefix(path, prefix+"/")
}

func normalizePath(p string) string {
	p = strings.TrimSpace(p)
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	return path.Clean("/" + p)
}

func validMethod(m string) bool {
	switch m {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}
