package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Provider-facing payment states stored on a transaction.
const (
	PaymentStatusPending = "pending"
	PaymentStatusPaid    = "paid"

	StatusInitiated = "initiated"
	StatusCompleted = "completed"
)

// PaymentTransaction is a checkout session started by a user. When paid it
// tops up CreditDriverID's wallet, exactly once.
type PaymentTransaction struct {
	ID             string
	UserID         string
	SessionID      string
	Amount         float64
	Currency       string
	Package        string
	CreditDriverID *string
	PaymentStatus  string
	Status         string
	Credited       bool
	Metadata       map[string]string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CreatePaymentTransactionParams contains the parameters for recording a
// checkout session.
type CreatePaymentTransactionParams struct {
	UserID         string
	SessionID      string
	Amount         float64
	Currency       string
	Package        string
	CreditDriverID *string
	Metadata       map[string]string
}

const paymentColumns = `id, user_id, session_id, amount, currency, package, credit_driver_id,
	payment_status, status, credited, metadata, created_at, updated_at`

// CreatePaymentTransaction records a new, pending checkout session.
func (s *Store) CreatePaymentTransaction(ctx context.Context, params CreatePaymentTransactionParams) (*PaymentTransaction, error) {
	metadata := params.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO payment_transactions (id, user_id, session_id, amount, currency, package, credit_driver_id, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+paymentColumns,
		uuid.NewString(), params.UserID, params.SessionID, params.Amount, params.Currency, params.Package, params.CreditDriverID, metadata,
	)
	return scanPayment(row)
}

// GetPaymentTransaction retrieves a transaction by checkout session id.
func (s *Store) GetPaymentTransaction(ctx context.Context, sessionID string) (*PaymentTransaction, error) {
	return scanPayment(s.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payment_transactions WHERE session_id = $1`, sessionID))
}

// GetPaymentTransactionForUser retrieves a transaction only if it was
// started by userID.
func (s *Store) GetPaymentTransactionForUser(ctx context.Context, sessionID, userID string) (*PaymentTransaction, error) {
	return scanPayment(s.pool.QueryRow(ctx, `
		SELECT `+paymentColumns+` FROM payment_transactions
		WHERE session_id = $1 AND user_id = $2`, sessionID, userID))
}

// ListPaymentTransactions returns a user's transactions, newest first.
func (s *Store) ListPaymentTransactions(ctx context.Context, userID string, limit int32) ([]*PaymentTransaction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+paymentColumns+` FROM payment_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txns []*PaymentTransaction
	for rows.Next() {
		t, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		txns = append(txns, t)
	}
	return txns, rows.Err()
}

// ApplyPaymentStatus stores the provider's view of a session. becamePaid
// reports that this call moved the transaction to paid; on that transition
// the credit target's wallet, if any, is incremented and the transaction is
// marked credited. A transaction already paid is returned unchanged. A credit
// target without a wallet fails with ErrWalletNotFound and changes nothing.
//
// The row is locked for the duration, so concurrent status polls, webhooks
// and workflow activities observe the transition, and credit the wallet, once.
func (s *Store) ApplyPaymentStatus(ctx context.Context, sessionID, paymentStatus, status string) (txn *PaymentTransaction, becamePaid bool, err error) {
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		current, err := scanPayment(tx.QueryRow(ctx, `
			SELECT `+paymentColumns+` FROM payment_transactions
			WHERE session_id = $1 FOR UPDATE`, sessionID))
		if err != nil {
			return err
		}

		if current.PaymentStatus == PaymentStatusPaid {
			txn = current
			return nil
		}

		credit := paymentStatus == PaymentStatusPaid && !current.Credited && current.CreditDriverID != nil
		if credit {
			tag, err := tx.Exec(ctx, `
				UPDATE wallets SET balance = balance + $2, updated_at = NOW()
				WHERE driver_id = $1`, *current.CreditDriverID, current.Amount)
			if err != nil {
				return fmt.Errorf("failed to credit wallet: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("failed to credit wallet for driver %s: %w", *current.CreditDriverID, ErrWalletNotFound)
			}
		}

		row := tx.QueryRow(ctx, `
			UPDATE payment_transactions
			SET payment_status = $2, status = $3, credited = credited OR $4, updated_at = NOW()
			WHERE session_id = $1
			RETURNING `+paymentColumns,
			sessionID, paymentStatus, status, credit,
		)
		txn, err = scanPayment(row)
		if err != nil {
			return err
		}
		becamePaid = paymentStatus == PaymentStatusPaid
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return txn, becamePaid, nil
}

func scanPayment(row pgx.Row) (*PaymentTransaction, error) {
	var p PaymentTransaction
	err := row.Scan(
		&p.ID, &p.UserID, &p.SessionID, &p.Amount, &p.Currency, &p.Package, &p.CreditDriverID,
		&p.PaymentStatus, &p.Status, &p.Credited, &p.Metadata, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}
