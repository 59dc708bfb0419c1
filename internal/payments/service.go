package payments

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/evmwendwa/hotspot-portal/internal/mpesa"
	"github.com/evmwendwa/hotspot-portal/internal/storage"
)

// ErrValidation means the caller's input was rejected before anything was
// charged or persisted.
var ErrValidation = errors.New("validation failed")

const passwordLength = 6

// Gateway is the M-Pesa operations the pipeline needs
type Gateway interface {
	STKPush(ctx context.Context, phone string, amount float64, reference string) (*mpesa.STKPushResponse, error)
	QueryStatus(ctx context.Context, checkoutRequestID string) (*mpesa.QueryResponse, error)
}

// Device is the access-control operations the pipeline needs
type Device interface {
	AddHotspotUser(ctx context.Context, username, password string, limitMinutes int, comment string) error
	RemoveHotspotUser(ctx context.Context, username string) error
	DisconnectUser(ctx context.Context, username string) error
}

// Alerter delivers operator alerts for absorbed provisioning failures
type Alerter interface {
	Alert(ctx context.Context, message string)
}

// Service drives the payment-to-access pipeline: initiating charges,
// reconciling their outcome from callbacks and polls, and provisioning the
// hotspot device once the ledger commit has happened.
type Service struct {
	store   *storage.Storage
	gateway Gateway
	device  Device
	alerts  Alerter
	log     *slog.Logger

	now func() time.Time // test seam
}

// NewService creates a new payment service. alerts may be nil.
func NewService(store *storage.Storage, gateway Gateway, device Device, alerts Alerter, log *slog.Logger) *Service {
	return &Service{
		store:   store,
		gateway: gateway,
		device:  device,
		alerts:  alerts,
		log:     log,
		now:     time.Now,
	}
}

// InitiateResult is returned for a successfully started charge
type InitiateResult struct {
	CheckoutRequestID string
	Amount            float64
	PackageName       string
}

// Initiate starts an STK push for the given package. The pending payment is
// persisted only after the gateway has returned a checkout request ID, so a
// charge that never started leaves no record behind.
func (s *Service) Initiate(ctx context.Context, phone string, packageID int64) (*InitiateResult, error) {
	if phone == "" {
		return nil, fmt.Errorf("%w: phone number is required", ErrValidation)
	}
	if packageID <= 0 {
		return nil, fmt.Errorf("%w: package ID is required", ErrValidation)
	}

	pkg, err := s.store.GetActivePackage(packageID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: package %d not found or inactive", ErrValidation, packageID)
	}
	if err != nil {
		return nil, fmt.Errorf("get package: %w", err)
	}

	reference := "WIFI-" + uuid.NewString()[:8]

	resp, err := s.gateway.STKPush(ctx, phone, pkg.Price, reference)
	if err != nil {
		return nil, err
	}

	if _, err := s.store.CreatePayment(phone, pkg.Price, pkg.ID, resp.CheckoutRequestID); err != nil {
		return nil, fmt.Errorf("record pending payment: %w", err)
	}

	s.log.Info("payment initiated",
		"checkout_request_id", resp.CheckoutRequestID,
		"package", pkg.Name,
		"amount", pkg.Price,
	)

	return &InitiateResult{
		CheckoutRequestID: resp.CheckoutRequestID,
		Amount:            pkg.Price,
		PackageName:       pkg.Name,
	}, nil
}

// Status resolves the current state of a charge. Stored terminal states win
// without touching the gateway. For pending charges the gateway is queried: a
// successful result provisions the account before reporting completed, a
// definitive rejection records the failure, and a query that cannot be
// completed leaves the charge pending for the caller to retry.
func (s *Service) Status(ctx context.Context, checkoutRequestID string) (string, error) {
	p, err := s.store.GetPayment(checkoutRequestID)
	if err != nil {
		return "", err
	}
	if p.Status != storage.StatusPending {
		return p.Status, nil
	}

	q, err := s.gateway.QueryStatus(ctx, checkoutRequestID)
	if err != nil {
		s.log.Warn("status query failed, leaving payment pending",
			"checkout_request_id", checkoutRequestID,
			"error", err,
		)
		return storage.StatusPending, nil
	}

	if q.Success() {
		if err := s.reconcileSuccess(ctx, checkoutRequestID, ""); err != nil {
			return "", err
		}
		return storage.StatusCompleted, nil
	}

	err = s.store.FailPayment(checkoutRequestID)
	if err != nil && !errors.Is(err, storage.ErrAlreadyFinal) {
		return "", err
	}
	if errors.Is(err, storage.ErrAlreadyFinal) {
		// Lost the race against a concurrent reconciliation; report what won.
		p, err := s.store.GetPayment(checkoutRequestID)
		if err != nil {
			return "", err
		}
		return p.Status, nil
	}

	s.log.Info("payment failed",
		"checkout_request_id", checkoutRequestID,
		"result_code", q.ResultCode,
		"result_desc", q.ResultDesc,
	)
	return storage.StatusFailed, nil
}

// HandleCallback applies a gateway callback to the payment it correlates to.
// Callbacks arrive at least once and may race the poll path; duplicates and
// unknown correlation IDs are no-ops, never errors.
func (s *Service) HandleCallback(ctx context.Context, cb *mpesa.StkCallback) error {
	if cb.Success() {
		err := s.reconcileSuccess(ctx, cb.CheckoutRequestID, cb.ReceiptNumber())
		if errors.Is(err, storage.ErrNotFound) {
			s.log.Warn("callback for unknown payment", "checkout_request_id", cb.CheckoutRequestID)
			return nil
		}
		return err
	}

	err := s.store.FailPayment(cb.CheckoutRequestID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.log.Warn("callback for unknown payment", "checkout_request_id", cb.CheckoutRequestID)
		return nil
	case errors.Is(err, storage.ErrAlreadyFinal):
		s.log.Debug("duplicate callback for resolved payment", "checkout_request_id", cb.CheckoutRequestID)
		return nil
	case err != nil:
		return fmt.Errorf("record failed payment: %w", err)
	}

	s.log.Info("payment failed",
		"checkout_request_id", cb.CheckoutRequestID,
		"result_code", cb.ResultCode,
		"result_desc", cb.ResultDesc,
	)
	return nil
}

// reconcileSuccess commits the completed payment and its hotspot account in
// one ledger transaction, then provisions the device. The ledger commit is
// the financial truth: device failures after it are logged and alerted on but
// never surfaced as a payment failure. A payment that already reached a
// terminal state is left exactly as it is.
func (s *Service) reconcileSuccess(ctx context.Context, checkoutRequestID, receipt string) error {
	p, err := s.store.GetPayment(checkoutRequestID)
	if err != nil {
		return err
	}
	if p.Status != storage.StatusPending {
		return nil
	}

	pkg, err := s.store.GetPackage(p.PackageID)
	if err != nil {
		return fmt.Errorf("get package %d: %w", p.PackageID, err)
	}

	username := usernameFor(p.PhoneNumber)
	password, err := generatePassword(passwordLength)
	if err != nil {
		return fmt.Errorf("generate password: %w", err)
	}

	completedAt := s.now()
	expiresAt := completedAt.Add(time.Duration(pkg.Minutes) * time.Minute)

	user, err := s.store.CompletePayment(checkoutRequestID, receipt, completedAt, username, password, expiresAt)
	if errors.Is(err, storage.ErrAlreadyFinal) {
		s.log.Debug("payment already resolved", "checkout_request_id", checkoutRequestID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("complete payment: %w", err)
	}

	s.log.Info("payment completed",
		"checkout_request_id", checkoutRequestID,
		"username", user.Username,
		"expires_at", user.ExpiresAt,
	)

	comment := fmt.Sprintf("Auto-created for %s - %s", p.PhoneNumber, pkg.Name)
	if err := s.device.AddHotspotUser(ctx, user.Username, user.Password, pkg.Minutes, comment); err != nil {
		// The account is committed; the credentials stay valid and the user
		// can be provisioned out-of-band once the router is reachable.
		s.log.Error("device provisioning failed",
			"checkout_request_id", checkoutRequestID,
			"username", user.Username,
			"error", err,
		)
		s.alert(ctx, fmt.Sprintf("Device provisioning failed for %s (payment %s): %v", user.Username, checkoutRequestID, err))
	}

	return nil
}

// Connection returns the credentials for a completed payment
func (s *Service) Connection(checkoutRequestID string) (*storage.Connection, error) {
	return s.store.GetConnection(checkoutRequestID)
}

func (s *Service) alert(ctx context.Context, message string) {
	if s.alerts == nil {
		return
	}
	s.alerts.Alert(ctx, message)
}

// usernameFor derives a hotspot username from the payer's phone number
func usernameFor(phone string) string {
	suffix := phone
	if len(suffix) > 6 {
		suffix = suffix[len(suffix)-6:]
	}
	return "user_" + suffix
}

// generatePassword returns length hex characters from crypto/rand
func generatePassword(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf)[:length], nil
}
