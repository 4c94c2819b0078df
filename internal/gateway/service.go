package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/mbd888/escrowgate/internal/amount"
	"github.com/mbd888/escrowgate/internal/apperr"
	"github.com/mbd888/escrowgate/internal/attest"
	"github.com/mbd888/escrowgate/internal/catalog"
	"github.com/mbd888/escrowgate/internal/escrow"
	"github.com/mbd888/escrowgate/internal/idgen"
	"github.com/mbd888/escrowgate/internal/ledger"
	"github.com/mbd888/escrowgate/internal/logging"
	"github.com/mbd888/escrowgate/internal/pagination"
	"github.com/mbd888/escrowgate/internal/retry"
	"github.com/mbd888/escrowgate/internal/traces"
	"github.com/mbd888/escrowgate/pkg/x402"
)

// Catalog is the listing lookup the gateway prices requests with.
type Catalog interface {
	Get(ctx context.Context, id string) (*catalog.Listing, error)
	Price(l *catalog.Listing, method, subpath string, fallback bool) (*catalog.Quote, error)
}

// Result is a completed mediation. Exactly one of Demand and Body is
// meaningful: Demand is set when the caller must pay first.
type Result struct {
	Demand *x402.PaymentDemand

	Quote       *catalog.Quote
	EscrowID    uint64
	DataHash    attest.Hash
	Body        []byte
	ContentType string
}

// Service implements admission and mediation.
type Service struct {
	catalog   Catalog
	ledger    ledger.Ledger
	forwarder *Forwarder
	store     Store
	inflight  *inflight
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a gateway service. l is the gateway's own ledger
// identity; it must be the provider's delivery delegate to commit hashes.
func NewService(cat Catalog, l ledger.Ledger, forwarder *Forwarder, store Store, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if store == nil {
		store = NewMemoryStore()
	}
	return &Service{
		catalog:   cat,
		ledger:    l,
		forwarder: forwarder,
		store:     store,
		inflight:  newInflight(),
		cfg:       cfg.withDefaults(),
		logger:    logger,
		now:       time.Now,
	}
}

// WithClock overrides the time source used for mediation logs.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Ledger returns the gateway's ledger identity.
func (s *Service) Ledger() ledger.Ledger { return s.ledger }

// Mediate runs one proxied call through admission, forwarding and the
// delivery commit. Failures are *apperr.Error values.
func (s *Service) Mediate(ctx context.Context, req Request) (res *Result, err error) {
	start := s.now()
	req.Subpath = CleanSubpath(req.Subpath)
	ctx = logging.Scope(ctx)
	ctx, span := traces.StartSpan(ctx, "gateway.mediate",
		traces.ListingID(req.ListingID), traces.Endpoint(req.Subpath))

	rec := &MediationLog{
		ID:        idgen.WithPrefix("med_"),
		RequestID: req.RequestID,
		ListingID: req.ListingID,
		Method:    req.Method,
		Path:      req.Subpath,
	}
	defer func() {
		s.finish(ctx, rec, res, err, start)
		traces.End(span, err)
	}()

	quote, err := s.resolve(ctx, req)
	if err != nil {
		return nil, err
	}
	rec.Endpoint = quote.EndpointID
	rec.Price = quote.Endpoint.Price

	if req.EscrowRef == "" {
		return &Result{Demand: s.demand(quote), Quote: quote}, nil
	}

	id, err := ledger.ParseID(req.EscrowRef)
	if err != nil {
		return nil, apperr.New(apperr.EscrowNotFound, "admit", escrow.ErrEscrowNotFound).
			With("escrowRef", req.EscrowRef)
	}
	rec.EscrowID = &id
	span.SetAttributes(traces.EscrowID(id))
	logging.Annotate(ctx, "escrow_id", id)

	if !s.inflight.claim(id) {
		gwRejections.WithLabelValues("in_flight").Inc()
		return nil, apperr.New(apperr.EscrowWrongState, "admit",
			fmt.Errorf("%w: %v", escrow.ErrWrongState, ErrRedemptionInFlight)).With("escrowId", ledger.FormatID(id))
	}
	defer s.inflight.release(id)

	if err := s.admit(ctx, id, quote); err != nil {
		return nil, err
	}

	up, err := s.forward(ctx, req, quote.Listing, id)
	if up != nil {
		rec.UpstreamStatus = up.StatusCode
	}
	if err != nil {
		return nil, err
	}

	hash := attest.Digest(up.Body)
	rec.DataHash = hash.Hex()

	if err := s.commitDelivery(ctx, id, hash); err != nil {
		return nil, err
	}

	return &Result{
		Quote:       quote,
		EscrowID:    id,
		DataHash:    hash,
		Body:        up.Body,
		ContentType: up.ContentType,
	}, nil
}

// CleanSubpath resolves dot segments and duplicate slashes so the path that
// is priced is the path the upstream serves. A trailing slash is kept.
func CleanSubpath(p string) string {
	cleaned := path.Clean("/" + p)
	if strings.HasSuffix(p, "/") && cleaned != "/" {
		cleaned += "/"
	}
	return cleaned
}

func (s *Service) policy(op string, attempts int) retry.Policy {
	return retry.Policy{Op: op, Attempts: attempts, BaseDelay: s.cfg.RetryDelay, MaxDelay: s.cfg.LedgerTimeout}
}

// resolve finds the listing and prices the request.
func (s *Service) resolve(ctx context.Context, req Request) (*catalog.Quote, error) {
	var listing *catalog.Listing
	err := s.policy(retry.OpCatalogLookup, s.cfg.ReadAttempts).Do(ctx, func() error {
		cctx, cancel := context.WithTimeout(ctx, s.cfg.CatalogTimeout)
		defer cancel()
		l, err := s.catalog.Get(cctx, req.ListingID)
		if errors.Is(err, catalog.ErrListingNotFound) {
			return retry.Permanent(err)
		}
		listing = l
		return err
	})
	if err != nil {
		if errors.Is(err, catalog.ErrListingNotFound) {
			return nil, apperr.New(apperr.ListingNotFound, "resolve", err).With("listingId", req.ListingID)
		}
		return nil, apperr.New(apperr.RegistryError, "resolve", err).With("listingId", req.ListingID)
	}

	quote, err := s.catalog.Price(listing, req.Method, req.Subpath, s.cfg.PriceFallback)
	if err != nil {
		return nil, apperr.New(apperr.KindOf(err), "price", err).
			With("listingId", req.ListingID).
			With("path", req.Subpath)
	}
	if quote.Fallback {
		logging.L(ctx).Warn("unpriced path billed at first endpoint",
			"listing", listing.ID, "path", req.Subpath, "endpoint", quote.EndpointID)
	}
	return quote, nil
}

// demand builds the 402 body for quote.
func (s *Service) demand(q *catalog.Quote) *x402.PaymentDemand {
	ref := s.ledger.Ref()
	price := amount.Trim(q.Amount, q.Asset.Decimals)
	asset := q.Asset.Asset.Key()
	instructions := fmt.Sprintf(
		"Create an escrow on %s for at least %s %s with provider %s and endpoint %q, then repeat this request with header %s set to the escrow id.",
		ref.Ledger, price, q.Asset.Symbol, q.Listing.Provider, q.EndpointID, x402.HeaderEscrowID)

	return &x402.PaymentDemand{
		Error:          "payment_required",
		Price:          price,
		Currency:       q.Asset.Symbol,
		Asset:          asset,
		Provider:       q.Listing.Provider.String(),
		Endpoint:       q.EndpointID,
		LedgerRef:      ref.Ledger,
		ChainRef:       ref.Chain,
		Instructions:   instructions,
		AcceptedAssets: []string{asset},
		Decimals:       q.Asset.Decimals,
		TimeoutSecs:    int64(s.cfg.EscrowTimeout / time.Second),
	}
}

// admit checks that escrow id pays for quote.
func (s *Service) admit(ctx context.Context, id uint64, q *catalog.Quote) error {
	e, err := s.readEscrow(ctx, id)
	if err != nil {
		if errors.Is(err, escrow.ErrEscrowNotFound) {
			gwRejections.WithLabelValues("not_found").Inc()
			return apperr.New(apperr.EscrowNotFound, "admit", err).With("escrowId", ledger.FormatID(id))
		}
		return apperr.New(apperr.LedgerCallFailed, "admit", err).With("escrowId", ledger.FormatID(id))
	}

	var reject *apperr.Error
	switch {
	case e.State != escrow.StateCreated:
		reject = apperr.New(apperr.EscrowWrongState, "admit", escrow.ErrWrongState).With("state", string(e.State))
		gwRejections.WithLabelValues("wrong_state").Inc()
	case e.Provider != q.Listing.Provider:
		reject = apperr.New(apperr.InvalidRequest, "admit", ErrProviderMismatch).With("provider", e.Provider.String())
		gwRejections.WithLabelValues("provider").Inc()
	case e.Endpoint != q.EndpointID:
		reject = apperr.New(apperr.InvalidRequest, "admit", ErrEndpointMismatch).With("endpoint", e.Endpoint)
		gwRejections.WithLabelValues("endpoint").Inc()
	case e.Asset != q.Asset.Asset:
		reject = apperr.New(apperr.AssetNotAllowed, "admit", escrow.ErrAssetNotAllowed).With("asset", e.Asset.Key())
		gwRejections.WithLabelValues("asset").Inc()
	case e.Amount == nil || e.Amount.Cmp(q.Amount) < 0:
		reject = apperr.New(apperr.InsufficientFunds, "admit", ErrInsufficientAmount).With("price", q.Amount.String())
		gwRejections.WithLabelValues("amount").Inc()
	}
	if reject != nil {
		return reject.With("escrowId", ledger.FormatID(id))
	}
	return nil
}

// readEscrow is a bounded, retried ledger read. Rejections are not retried.
func (s *Service) readEscrow(ctx context.Context, id uint64) (*escrow.Escrow, error) {
	var e *escrow.Escrow
	err := s.policy(retry.OpLedgerRead, s.cfg.ReadAttempts).Do(ctx, func() error {
		cctx, cancel := context.WithTimeout(ctx, s.cfg.LedgerTimeout)
		defer cancel()
		got, err := s.ledger.GetEscrow(cctx, id)
		if err != nil {
			if escrow.IsRejection(err) {
				return retry.Permanent(err)
			}
			return err
		}
		e = got
		return nil
	})
	return e, err
}

// forward sends the call upstream. Any non-2xx response fails the call so
// the escrow stays refundable.
func (s *Service) forward(ctx context.Context, req Request, l *catalog.Listing, id uint64) (*UpstreamResponse, error) {
	target := l.BaseURL + "/" + strings.TrimLeft(req.Subpath, "/")
	if req.RawQuery != "" {
		target += "?" + req.RawQuery
	}

	ctx, span := traces.StartSpan(ctx, "gateway.upstream", traces.EscrowID(id))
	cctx, cancel := context.WithTimeout(ctx, s.cfg.UpstreamTimeout)
	defer cancel()

	up, err := s.forwarder.Forward(cctx, UpstreamRequest{
		Method:   req.Method,
		URL:      target,
		Header:   req.Header,
		Body:     req.Body,
		EscrowID: id,
	})
	if err == nil && (up.StatusCode < 200 || up.StatusCode >= 300) {
		err = &UpstreamError{Host: l.BaseURL, Status: up.StatusCode}
	}
	traces.End(span, err)
	if err != nil {
		return up, apperr.New(apperr.UpstreamCallFailed, "forward", err).
			With("escrowId", ledger.FormatID(id)).
			With("listingId", l.ID)
	}
	return up, nil
}

// commitDelivery records hash as the delivery attestation. After a failed
// write the escrow is re-read: a matching Delivered record means the write
// landed; a Created record with a transient error is retried.
func (s *Service) commitDelivery(ctx context.Context, id uint64, hash attest.Hash) error {
	attempt := 0
	err := s.policy(retry.OpDeliveryCommit, s.cfg.CommitAttempts).Do(ctx, func() error {
		if attempt > 0 {
			gwCommitRetries.Inc()
		}
		attempt++

		cctx, cancel := context.WithTimeout(ctx, s.cfg.LedgerTimeout)
		err := s.ledger.ConfirmDelivery(cctx, id, hash)
		cancel()
		if err == nil {
			return nil
		}

		e, readErr := s.readEscrow(ctx, id)
		switch {
		case readErr == nil && e.State == escrow.StateDelivered && e.DeliveryHash == hash:
			logging.L(ctx).Info("delivery commit landed despite error", "error", err)
			return nil
		case escrow.IsRejection(err):
			return retry.Permanent(err)
		case readErr != nil || e.State == escrow.StateCreated:
			logging.L(ctx).Warn("delivery commit failed, retrying", "attempt", attempt, "error", err)
			return err
		default:
			return retry.Permanent(fmt.Errorf("%w: escrow is %s", err, e.State))
		}
	})
	if err != nil {
		return apperr.New(apperr.LedgerCallFailed, "commitDelivery", fmt.Errorf("%w: %v", ErrDeliveryNotRecorded, err)).
			With("escrowId", ledger.FormatID(id)).
			With("dataHash", hash.Hex())
	}
	return nil
}

// finish writes the mediation log and metrics for one call.
func (s *Service) finish(ctx context.Context, rec *MediationLog, res *Result, err error, start time.Time) {
	rec.CreatedAt = s.now()
	rec.LatencyMs = rec.CreatedAt.Sub(start).Milliseconds()

	switch {
	case err == nil && res != nil && res.Demand != nil:
		rec.Outcome = OutcomePaymentRequired
		rec.StatusCode = http.StatusPaymentRequired
	case err == nil:
		rec.Outcome = OutcomeDelivered
		rec.StatusCode = http.StatusOK
	default:
		kind := apperr.KindOf(err)
		rec.Outcome = outcomeFor(kind, err)
		rec.StatusCode = apperr.HTTPStatus(kind)
		rec.Error = err.Error()
	}

	gwMediations.WithLabelValues(string(rec.Outcome)).Inc()
	gwMediationLatency.Observe(rec.CreatedAt.Sub(start).Seconds())

	if rec.Outcome == OutcomeDeliveryFailed {
		logging.L(ctx).Error("upstream served but delivery not recorded",
			"data_hash", rec.DataHash, "error", err)
	}

	// Logged on a fresh context so a cancelled request is still recorded.
	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if lerr := s.store.CreateLog(logCtx, rec); lerr != nil {
		gwLogFailures.Inc()
		s.logger.Warn("failed to write mediation log", "id", rec.ID, "error", lerr)
	}
}

func outcomeFor(kind apperr.Kind, err error) Outcome {
	switch kind {
	case apperr.ListingNotFound, apperr.EndpointNotPriced:
		return OutcomeNotFound
	case apperr.UpstreamCallFailed:
		return OutcomeUpstreamFailed
	case apperr.LedgerCallFailed:
		if errors.Is(err, ErrDeliveryNotRecorded) {
			return OutcomeDeliveryFailed
		}
		return OutcomeLedgerFailed
	case apperr.RegistryError, apperr.Unknown:
		return OutcomeFailed
	default:
		return OutcomeRejected
	}
}

// ListMediations returns the mediation logs recorded for an escrow.
func (s *Service) ListMediations(ctx context.Context, escrowID uint64, limit int) ([]*MediationLog, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.store.ListByEscrow(ctx, escrowID, limit)
}

// RecentMediations returns one page of mediation logs, newest first, and the
// cursor for the next page ("" on the last one).
func (s *Service) RecentMediations(ctx context.Context, limit int, cursor string) ([]*MediationLog, string, error) {
	if limit <= 0 {
		limit = 50
	}
	before, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", err
	}
	logs, err := s.store.ListRecent(ctx, limit+1, before)
	if err != nil {
		return nil, "", err
	}
	logs, next, _ := pagination.ComputePage(logs, limit, func(l *MediationLog) (time.Time, string) {
		return l.CreatedAt, l.ID
	})
	return logs, next, nil
}

// InFlight returns the number of redemptions currently in progress.
func (s *Service) InFlight() int {
	return s.inflight.size()
}
