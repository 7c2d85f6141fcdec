package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/kelaskita/api/internal/domain"
	pfirestore "github.com/kelaskita/api/internal/platform/firestore"
	"github.com/kelaskita/api/internal/repositories"
)

const entitlementCollection = "userCourses"

type entitlementDocument struct {
	UserID    string         `firestore:"userId"`
	CourseID  string         `firestore:"courseId"`
	Metadata  map[string]any `firestore:"metadata,omitempty"`
	CreatedAt time.Time      `firestore:"createdAt"`
}

// EntitlementRepository persists course access grants within Firestore.
//
// The document ID is derived from the (user, course) pair, so uniqueness is
// enforced by the store itself and concurrent grant attempts collapse into a
// single row.
type EntitlementRepository struct {
	base *pfirestore.BaseRepository[entitlementDocument]
}

// NewEntitlementRepository constructs a Firestore-backed entitlement repository.
func NewEntitlementRepository(provider *pfirestore.Provider) (*EntitlementRepository, error) {
	if provider == nil {
		return nil, errors.New("entitlement repository requires firestore provider")
	}
	return &EntitlementRepository{
		base: pfirestore.NewBaseRepository[entitlementDocument](provider, entitlementCollection, nil, nil),
	}, nil
}

var _ repositories.EntitlementRepository = (*EntitlementRepository)(nil)

// EntitlementDocID builds the deterministic document ID for a grant.
func EntitlementDocID(userID, courseID string) string {
	return fmt.Sprintf("%s_%s", strings.TrimSpace(userID), strings.TrimSpace(courseID))
}

// Ensure creates the grant unless it already exists. A concurrent create
// losing the race observes the conflict and reports the existing grant,
// so calling twice (or from two requests at once) yields exactly one row.
func (r *EntitlementRepository) Ensure(ctx context.Context, entitlement domain.Entitlement) (domain.Entitlement, bool, error) {
	if r == nil || r.base == nil {
		return domain.Entitlement{}, false, errors.New("entitlement repository not initialised")
	}
	uid := strings.TrimSpace(entitlement.UserID)
	cid := strings.TrimSpace(entitlement.CourseID)
	if uid == "" || cid == "" {
		return domain.Entitlement{}, false, errors.New("entitlement repository: user id and course id are required")
	}

	docID := EntitlementDocID(uid, cid)
	createdAt := entitlement.CreatedAt.UTC()
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	doc := entitlementDocument{
		UserID:    uid,
		CourseID:  cid,
		Metadata:  entitlement.Metadata,
		CreatedAt: createdAt,
	}

	if _, err := r.base.Create(ctx, docID, doc); err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsConflict() {
			existing, getErr := r.base.Get(ctx, docID)
			if getErr != nil {
				return domain.Entitlement{}, false, getErr
			}
			return decodeEntitlement(existing), false, nil
		}
		return domain.Entitlement{}, false, err
	}

	return domain.Entitlement{
		ID:        docID,
		UserID:    uid,
		CourseID:  cid,
		Metadata:  entitlement.Metadata,
		CreatedAt: createdAt,
	}, true, nil
}

// ListByUser returns every course grant held by the user.
func (r *EntitlementRepository) ListByUser(ctx context.Context, userID string) ([]domain.Entitlement, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("entitlement repository not initialised")
	}
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return nil, errors.New("entitlement repository: user id is required")
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("userId", "==", uid)
	})
	if err != nil {
		return nil, err
	}

	grants := make([]domain.Entitlement, 0, len(docs))
	for _, doc := range docs {
		grants = append(grants, decodeEntitlement(doc))
	}
	return grants, nil
}

func decodeEntitlement(doc pfirestore.Document[entitlementDocument]) domain.Entitlement {
	return domain.Entitlement{
		ID:        doc.ID,
		UserID:    doc.Data.UserID,
		CourseID:  doc.Data.CourseID,
		Metadata:  doc.Data.Metadata,
		CreatedAt: doc.Data.CreatedAt,
	}
}
