package notifications

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/sellforgehq/sellforge-backend/pkg/db/models"
	"github.com/sellforgehq/sellforge-backend/pkg/enums"
	pkgerrors "github.com/sellforgehq/sellforge-backend/pkg/errors"
	"github.com/sellforgehq/sellforge-backend/pkg/logger"
	paginationpkg "github.com/sellforgehq/sellforge-backend/pkg/pagination"
	"github.com/sellforgehq/sellforge-backend/pkg/sendinblue"
)

type fakeRepository struct {
	created       []*models.Notification
	createErr     error
	listFn        func(ctx context.Context, params listNotificationsParams) ([]models.Notification, *paginationpkg.Cursor, error)
	markReadFn    func(ctx context.Context, userID, notificationID uuid.UUID, now time.Time) (notificationMarkResult, error)
	markAllReadFn func(ctx context.Context, userID uuid.UUID, now time.Time) (int64, error)
}

func (f *fakeRepository) WithTx(tx *gorm.DB) Repository {
	return f
}

func (f *fakeRepository) Create(ctx context.Context, notification *models.Notification) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.created = append(f.created, notification)
	return nil
}

func (f *fakeRepository) List(ctx context.Context, params listNotificationsParams) ([]models.Notification, *paginationpkg.Cursor, error) {
	if f.listFn != nil {
		return f.listFn(ctx, params)
	}
	return nil, nil, nil
}

func (f *fakeRepository) MarkRead(ctx context.Context, userID, notificationID uuid.UUID, now time.Time) (notificationMarkResult, error) {
	if f.markReadFn != nil {
		return f.markReadFn(ctx, userID, notificationID, now)
	}
	return notificationMarkResult{}, nil
}

func (f *fakeRepository) MarkAllRead(ctx context.Context, userID uuid.UUID, now time.Time) (int64, error) {
	if f.markAllReadFn != nil {
		return f.markAllReadFn(ctx, userID, now)
	}
	return 0, nil
}

type fakeSender struct {
	sent []sendinblue.SendTemplateEmailInput
	err  error
}

func (f *fakeSender) SendTemplateEmail(ctx context.Context, in sendinblue.SendTemplateEmailInput) error {
	f.sent = append(f.sent, in)
	return f.err
}

func newTestService(t *testing.T, repo Repository, sender EmailSender) Service {
	t.Helper()
	svc, err := NewService(ServiceParams{
		Repo:   repo,
		Sender: sender,
		Logger: logger.New(logger.Options{ServiceName: "notifications-test", Output: io.Discard}),
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return svc
}

func TestService_NotifyCreatesRow(t *testing.T) {
	repo := &fakeRepository{}
	svc := newTestService(t, repo, nil)

	userID := uuid.New()
	err := svc.Notify(context.Background(), NotifyInput{
		UserID:  userID,
		Type:    enums.NotificationTypeSale,
		Title:   "New sale",
		Message: "Product sold for 19.99 USD.",
	})
	if err != nil {
		t.Fatalf("unexpected notify error: %v", err)
	}
	if len(repo.created) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(repo.created))
	}
	if repo.created[0].UserID != userID {
		t.Fatalf("notification bound to wrong user")
	}
	if repo.created[0].Type != enums.NotificationTypeSale {
		t.Fatalf("unexpected type %s", repo.created[0].Type)
	}
}

func TestService_NotifyRejectsInvalidType(t *testing.T) {
	svc := newTestService(t, &fakeRepository{}, nil)
	err := svc.Notify(context.Background(), NotifyInput{
		UserID: uuid.New(),
		Type:   enums.NotificationType("bogus"),
		Title:  "x",
	})
	if err == nil {
		t.Fatal("expected validation error")
	}
	if pkgerrors.As(err).Code() != pkgerrors.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestService_NotifySendsEmailCopy(t *testing.T) {
	repo := &fakeRepository{}
	sender := &fakeSender{}
	svc := newTestService(t, repo, sender)

	err := svc.Notify(context.Background(), NotifyInput{
		UserID:          uuid.New(),
		Type:            enums.NotificationTypeStockAlert,
		Title:           "Stock running low",
		Message:         "Only 4 units left.",
		Email:           "owner@example.com",
		EmailTemplateID: 12,
		EmailParams:     map[string]any{"remaining": 4},
	})
	if err != nil {
		t.Fatalf("unexpected notify error: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected 1 email, got %d", len(sender.sent))
	}
	if sender.sent[0].To != "owner@example.com" || sender.sent[0].TemplateID != 12 {
		t.Fatalf("unexpected email input: %+v", sender.sent[0])
	}
}

func TestService_NotifyEmailFailureIsSwallowed(t *testing.T) {
	repo := &fakeRepository{}
	sender := &fakeSender{err: errors.New("smtp down")}
	svc := newTestService(t, repo, sender)

	err := svc.Notify(context.Background(), NotifyInput{
		UserID:          uuid.New(),
		Type:            enums.NotificationTypeSale,
		Title:           "New sale",
		Email:           "owner@example.com",
		EmailTemplateID: 3,
	})
	if err != nil {
		t.Fatalf("email failure should not fail notify: %v", err)
	}
	if len(repo.created) != 1 {
		t.Fatalf("expected notification row despite email failure")
	}
}

func TestService_ListNotifications(t *testing.T) {
	first := models.Notification{ID: uuid.New(), CreatedAt: time.Now().Add(-time.Hour)}
	second := models.Notification{ID: uuid.New(), CreatedAt: time.Now()}

	repo := &fakeRepository{
		listFn: func(ctx context.Context, params listNotificationsParams) ([]models.Notification, *paginationpkg.Cursor, error) {
			if params.Limit != paginationpkg.LimitWithBuffer(1) {
				t.Fatalf("unexpected limit %d", params.Limit)
			}
			return []models.Notification{first}, &paginationpkg.Cursor{CreatedAt: second.CreatedAt, ID: second.ID}, nil
		},
	}

	svc := newTestService(t, repo, nil)
	result, err := svc.List(context.Background(), ListParams{UserID: uuid.New(), Limit: 1})
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(result.Items) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(result.Items))
	}
	if result.Cursor == "" {
		t.Fatal("expected cursor for next page")
	}
	decoded, err := paginationpkg.ParseCursor(result.Cursor)
	if err != nil {
		t.Fatalf("invalid cursor %q: %v", result.Cursor, err)
	}
	if decoded.ID != second.ID {
		t.Fatalf("expected cursor id %s got %s", second.ID, decoded.ID)
	}
}

func TestService_ListNotificationsInvalidCursor(t *testing.T) {
	svc := newTestService(t, &fakeRepository{}, nil)
	_, err := svc.List(context.Background(), ListParams{UserID: uuid.New(), Cursor: "bad"})
	if err == nil {
		t.Fatal("expected error for invalid cursor")
	}
	if pkgerrors.As(err).Code() != pkgerrors.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestService_MarkReadNotFound(t *testing.T) {
	repo := &fakeRepository{
		markReadFn: func(ctx context.Context, userID, notificationID uuid.UUID, now time.Time) (notificationMarkResult, error) {
			return notificationMarkResult{Found: false}, nil
		},
	}
	svc := newTestService(t, repo, nil)
	if err := svc.MarkRead(context.Background(), uuid.New(), uuid.New()); err == nil {
		t.Fatal("expected not found error")
	} else if pkgerrors.As(err).Code() != pkgerrors.CodeNotFound {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestService_MarkAllRead(t *testing.T) {
	repo := &fakeRepository{
		markAllReadFn: func(ctx context.Context, userID uuid.UUID, now time.Time) (int64, error) {
			return 3, nil
		},
	}
	svc := newTestService(t, repo, nil)
	count, err := svc.MarkAllRead(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("unexpected mark all read error: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 updated rows, got %d", count)
	}
}
