package storage

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()

	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s
}

func countRows(t *testing.T, s *Storage, query string, args ...any) int {
	t.Helper()

	var count int
	require.NoError(t, s.db.QueryRow(query, args...).Scan(&count))
	return count
}

func TestSeedsDefaultPackages(t *testing.T) {
	s := newTestStorage(t)

	pkgs, err := s.ListActivePackages()
	require.NoError(t, err)
	require.Len(t, pkgs, 3)

	// Ordered by price
	require.Equal(t, "Hourly", pkgs[0].Name)
	require.Equal(t, 60, pkgs[0].Minutes)
	require.Equal(t, float64(20), pkgs[0].Price)
	require.Equal(t, "Weekly", pkgs[2].Name)
}

func TestGetActivePackage(t *testing.T) {
	s := newTestStorage(t)

	pkg, err := s.GetActivePackage(1)
	require.NoError(t, err)
	require.True(t, pkg.Active)

	_, err = s.GetActivePackage(999)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCreateAndGetPayment(t *testing.T) {
	s := newTestStorage(t)

	p, err := s.CreatePayment("0712345678", 20, 1, "ws_CO_1")
	require.NoError(t, err)
	require.Equal(t, StatusPending, p.Status)

	got, err := s.GetPayment("ws_CO_1")
	require.NoError(t, err)
	require.Equal(t, "0712345678", got.PhoneNumber)
	require.Equal(t, float64(20), got.Amount)
	require.Equal(t, int64(1), got.PackageID)
	require.Nil(t, got.CompletedAt)
	require.Nil(t, got.UserID)

	_, err = s.GetPayment("ws_CO_unknown")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCompletePayment(t *testing.T) {
	s := newTestStorage(t)

	_, err := s.CreatePayment("0712345678", 20, 1, "ws_CO_1")
	require.NoError(t, err)

	completedAt := time.Now().Truncate(time.Second)
	expiresAt := completedAt.Add(60 * time.Minute)

	user, err := s.CompletePayment("ws_CO_1", "RCP123", completedAt, "user_345678", "a1b2c3", expiresAt)
	require.NoError(t, err)
	require.Equal(t, "user_345678", user.Username)
	require.True(t, user.Active)
	require.Equal(t, expiresAt.Unix(), user.ExpiresAt.Unix())

	p, err := s.GetPayment("ws_CO_1")
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, p.Status)
	require.Equal(t, "RCP123", p.MpesaReceiptNumber)
	require.NotNil(t, p.CompletedAt)
	require.Equal(t, completedAt.Unix(), p.CompletedAt.Unix())
	require.NotNil(t, p.UserID)
	require.Equal(t, user.ID, *p.UserID)
}

func TestCompletePaymentExpiryExact(t *testing.T) {
	s := newTestStorage(t)

	_, err := s.CreatePayment("0712345678", 100, 2, "ws_CO_1")
	require.NoError(t, err)

	pkg, err := s.GetPackage(2)
	require.NoError(t, err)

	completedAt := time.Now()
	expiresAt := completedAt.Add(time.Duration(pkg.Minutes) * time.Minute)

	user, err := s.CompletePayment("ws_CO_1", "", completedAt, "user_345678", "a1b2c3", expiresAt)
	require.NoError(t, err)

	// expires_at == completed_at + minutes, to the second
	require.Equal(t, completedAt.Unix()+int64(pkg.Minutes)*60, user.ExpiresAt.Unix())
}

func TestCompletePaymentIdempotent(t *testing.T) {
	s := newTestStorage(t)

	_, err := s.CreatePayment("0712345678", 20, 1, "ws_CO_1")
	require.NoError(t, err)

	now := time.Now()
	_, err = s.CompletePayment("ws_CO_1", "", now, "user_345678", "a1b2c3", now.Add(time.Hour))
	require.NoError(t, err)

	_, err = s.CompletePayment("ws_CO_1", "", now, "user_345678", "d4e5f6", now.Add(time.Hour))
	require.ErrorIs(t, err, ErrAlreadyFinal)

	require.Equal(t, 1, countRows(t, s, "SELECT COUNT(*) FROM hotspot_users"))
}

func TestCompletePaymentConcurrent(t *testing.T) {
	s := newTestStorage(t)

	_, err := s.CreatePayment("0712345678", 20, 1, "ws_CO_1")
	require.NoError(t, err)

	const attempts = 10
	now := time.Now()

	var wg sync.WaitGroup
	errs := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.CompletePayment("ws_CO_1", "", now, "user_345678", "a1b2c3", now.Add(time.Hour))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var completed, duplicate int
	for err := range errs {
		switch {
		case err == nil:
			completed++
		default:
			require.ErrorIs(t, err, ErrAlreadyFinal)
			duplicate++
		}
	}

	require.Equal(t, 1, completed)
	require.Equal(t, attempts-1, duplicate)
	require.Equal(t, 1, countRows(t, s, "SELECT COUNT(*) FROM hotspot_users"))
}

func TestCompletePaymentUnknown(t *testing.T) {
	s := newTestStorage(t)

	now := time.Now()
	_, err := s.CompletePayment("ws_CO_unknown", "", now, "user_345678", "a1b2c3", now.Add(time.Hour))
	require.ErrorIs(t, err, ErrNotFound)

	require.Equal(t, 0, countRows(t, s, "SELECT COUNT(*) FROM hotspot_users"))
}

func TestFailPayment(t *testing.T) {
	s := newTestStorage(t)

	_, err := s.CreatePayment("0712345678", 20, 1, "ws_CO_1")
	require.NoError(t, err)

	require.NoError(t, s.FailPayment("ws_CO_1"))

	p, err := s.GetPayment("ws_CO_1")
	require.NoError(t, err)
	require.Equal(t, StatusFailed, p.Status)

	// Terminal states never transition again
	require.ErrorIs(t, s.FailPayment("ws_CO_1"), ErrAlreadyFinal)

	now := time.Now()
	_, err = s.CompletePayment("ws_CO_1", "", now, "user_345678", "a1b2c3", now.Add(time.Hour))
	require.ErrorIs(t, err, ErrAlreadyFinal)

	require.ErrorIs(t, s.FailPayment("ws_CO_unknown"), ErrNotFound)
}

func TestFailPaymentDoesNotReverseCompleted(t *testing.T) {
	s := newTestStorage(t)

	_, err := s.CreatePayment("0712345678", 20, 1, "ws_CO_1")
	require.NoError(t, err)

	now := time.Now()
	_, err = s.CompletePayment("ws_CO_1", "", now, "user_345678", "a1b2c3", now.Add(time.Hour))
	require.NoError(t, err)

	require.ErrorIs(t, s.FailPayment("ws_CO_1"), ErrAlreadyFinal)

	p, err := s.GetPayment("ws_CO_1")
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, p.Status)
}

func TestGetConnection(t *testing.T) {
	s := newTestStorage(t)

	_, err := s.CreatePayment("0712345678", 20, 1, "ws_CO_1")
	require.NoError(t, err)

	_, err = s.GetConnection("ws_CO_1")
	require.ErrorIs(t, err, ErrNotFound, "pending payment has no connection")

	now := time.Now()
	_, err = s.CompletePayment("ws_CO_1", "", now, "user_345678", "a1b2c3", now.Add(time.Hour))
	require.NoError(t, err)

	conn, err := s.GetConnection("ws_CO_1")
	require.NoError(t, err)
	require.Equal(t, "user_345678", conn.Username)
	require.Equal(t, "a1b2c3", conn.Password)
	require.Equal(t, "Hourly", conn.PackageName)
	require.Equal(t, 60, conn.Minutes)
}

func TestExpirySweepQueries(t *testing.T) {
	s := newTestStorage(t)

	now := time.Now()

	_, err := s.CreatePayment("0712345678", 20, 1, "ws_CO_1")
	require.NoError(t, err)
	expired, err := s.CompletePayment("ws_CO_1", "", now.Add(-2*time.Hour), "user_345678", "a1b2c3", now.Add(-time.Hour))
	require.NoError(t, err)

	_, err = s.CreatePayment("0798765432", 20, 1, "ws_CO_2")
	require.NoError(t, err)
	_, err = s.CompletePayment("ws_CO_2", "", now, "user_765432", "d4e5f6", now.Add(time.Hour))
	require.NoError(t, err)

	users, err := s.ListExpiredActive(now)
	require.NoError(t, err)
	require.Len(t, users, 1)
	require.Equal(t, "user_345678", users[0].Username)

	require.NoError(t, s.DeactivateUser(expired.ID))

	users, err = s.ListExpiredActive(now)
	require.NoError(t, err)
	require.Empty(t, users)

	require.ErrorIs(t, s.DeactivateUser(9999), ErrNotFound)
}
