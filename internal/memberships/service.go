package memberships

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/sellforgehq/sellforge-backend/pkg/db/models"
	"github.com/sellforgehq/sellforge-backend/pkg/enums"
	pkgerrors "github.com/sellforgehq/sellforge-backend/pkg/errors"
)

// Service grants and revokes membership-site access.
type Service interface {
	HasActive(ctx context.Context, customerID, productID uuid.UUID) (bool, error)
	Grant(ctx context.Context, customerID, productID uuid.UUID, orderID *uuid.UUID) error
	RevokeByOrder(ctx context.Context, orderID uuid.UUID) (int64, error)
}

type service struct {
	repo Repository
}

// NewService wires a memberships service with the provided repository.
func NewService(repo Repository) (Service, error) {
	if repo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "memberships repository required")
	}
	return &service{repo: repo}, nil
}

func (s *service) HasActive(ctx context.Context, customerID, productID uuid.UUID) (bool, error) {
	if customerID == uuid.Nil || productID == uuid.Nil {
		return false, nil
	}
	membership, err := s.repo.Find(ctx, customerID, productID)
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "find membership")
	}
	return membership != nil && membership.Status == enums.MembershipStatusActive, nil
}

func (s *service) Grant(ctx context.Context, customerID, productID uuid.UUID, orderID *uuid.UUID) error {
	if customerID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "customer id required")
	}
	if productID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "product id required")
	}
	membership := &models.Membership{
		CustomerID: customerID,
		ProductID:  productID,
		OrderID:    orderID,
		Status:     enums.MembershipStatusActive,
	}
	if err := s.repo.Upsert(ctx, membership); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "grant membership")
	}
	return nil
}

// RevokeByOrder is terminal and non-retryable: revoking an already revoked
// membership is a no-op, not an error.
func (s *service) RevokeByOrder(ctx context.Context, orderID uuid.UUID) (int64, error) {
	if orderID == uuid.Nil {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, "order id required")
	}
	revoked, err := s.repo.RevokeByOrder(ctx, orderID, time.Now().UTC())
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "revoke memberships")
	}
	return revoked, nil
}
