package firestore

import (
	"context"
	"errors"
	"strings"

	domain "github.com/kelaskita/api/internal/domain"
	pfirestore "github.com/kelaskita/api/internal/platform/firestore"
	"github.com/kelaskita/api/internal/repositories"
)

const courseCollection = "courses"

type courseDocument struct {
	Name     string `firestore:"name"`
	Price    int64  `firestore:"price"`
	ImageURL string `firestore:"urlImage,omitempty"`
}

// CourseRepository reads course metadata maintained by the catalog system.
// This service never writes to the collection.
type CourseRepository struct {
	base *pfirestore.BaseRepository[courseDocument]
}

// NewCourseRepository constructs a read-only Firestore course catalog.
func NewCourseRepository(provider *pfirestore.Provider) (*CourseRepository, error) {
	if provider == nil {
		return nil, errors.New("course repository requires firestore provider")
	}
	return &CourseRepository{
		base: pfirestore.NewBaseRepository[courseDocument](provider, courseCollection, nil, nil),
	}, nil
}

var _ repositories.CourseCatalog = (*CourseRepository)(nil)

// FindByIDs fetches the named courses. Missing IDs surface as not-found so
// checkout never silently prices a vanished course at zero.
func (r *CourseRepository) FindByIDs(ctx context.Context, courseIDs []string) ([]domain.Course, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("course repository not initialised")
	}

	courses := make([]domain.Course, 0, len(courseIDs))
	for _, courseID := range courseIDs {
		id := strings.TrimSpace(courseID)
		if id == "" {
			continue
		}
		doc, err := r.base.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		courses = append(courses, domain.Course{
			ID:       doc.ID,
			Name:     doc.Data.Name,
			Price:    doc.Data.Price,
			ImageURL: doc.Data.ImageURL,
		})
	}
	return courses, nil
}
