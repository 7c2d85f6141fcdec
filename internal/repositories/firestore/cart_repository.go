package firestore

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/kelaskita/api/internal/domain"
	pfirestore "github.com/kelaskita/api/internal/platform/firestore"
	"github.com/kelaskita/api/internal/repositories"
)

const cartCollection = "carts"

type cartItemDocument struct {
	UserID    string    `firestore:"userId"`
	CourseID  string    `firestore:"courseId"`
	CreatedAt time.Time `firestore:"createdAt"`
}

// CartRepository persists cart rows within Firestore, one document per
// (user, course) intent.
type CartRepository struct {
	base *pfirestore.BaseRepository[cartItemDocument]
}

// NewCartRepository constructs a Firestore-backed cart repository.
func NewCartRepository(provider *pfirestore.Provider) (*CartRepository, error) {
	if provider == nil {
		return nil, errors.New("cart repository requires firestore provider")
	}
	return &CartRepository{
		base: pfirestore.NewBaseRepository[cartItemDocument](provider, cartCollection, nil, nil),
	}, nil
}

var _ repositories.CartRepository = (*CartRepository)(nil)

// ListByUser returns the user's cart rows, oldest first.
func (r *CartRepository) ListByUser(ctx context.Context, userID string) ([]domain.CartItem, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("cart repository not initialised")
	}
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return nil, errors.New("cart repository: user id is required")
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("userId", "==", uid)
	})
	if err != nil {
		return nil, err
	}

	items := make([]domain.CartItem, 0, len(docs))
	for _, doc := range docs {
		items = append(items, domain.CartItem{
			ID:        doc.ID,
			UserID:    doc.Data.UserID,
			CourseID:  doc.Data.CourseID,
			CreatedAt: doc.Data.CreatedAt,
		})
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items, nil
}

// DeleteByUserCourse removes every cart row matching the pair. Zero matches
// is success, so repeated cleanup passes stay idempotent.
func (r *CartRepository) DeleteByUserCourse(ctx context.Context, userID string, courseID string) (int, error) {
	if r == nil || r.base == nil {
		return 0, errors.New("cart repository not initialised")
	}
	uid := strings.TrimSpace(userID)
	cid := strings.TrimSpace(courseID)
	if uid == "" || cid == "" {
		return 0, errors.New("cart repository: user id and course id are required")
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("userId", "==", uid).Where("courseId", "==", cid)
	})
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, doc := range docs {
		if err := r.base.Delete(ctx, doc.ID); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}
