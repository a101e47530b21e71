package repos

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jobmon/jobmon/internal/domain"
	"github.com/jobmon/jobmon/internal/platform/logger"
)

type DagRepo interface {
	GetOrCreate(ctx context.Context, tx *gorm.DB, hash string) (*domain.Dag, bool, error)
	BulkUpsertNodes(ctx context.Context, tx *gorm.DB, nodes []*domain.Node) ([]*domain.Node, error)
	SetEdges(ctx context.Context, tx *gorm.DB, edges []domain.Edge) error
	GetEdges(ctx context.Context, tx *gorm.DB, dagID int64) ([]domain.Edge, error)
}

type dagRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewDagRepo(db *gorm.DB, baseLog *logger.Logger) DagRepo {
	return &dagRepo{db: db, log: baseLog.With("repo", "DagRepo")}
}

// GetOrCreate binds a dag idempotently on its content hash.
func (r *dagRepo) GetOrCreate(ctx context.Context, tx *gorm.DB, hash string) (*domain.Dag, bool, error) {
	transaction := resolve(r.db, tx)
	dag := domain.Dag{Hash: hash, CreatedDate: time.Now().UTC()}
	res := transaction.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "hash"}},
			DoNothing: true,
		}).
		Create(&dag)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 0 {
		var existing domain.Dag
		err := transaction.WithContext(ctx).Where("hash = ?", hash).First(&existing).Error
		if err != nil {
			return nil, false, err
		}
		return &existing, false, nil
	}
	return &dag, true, nil
}

// BulkUpsertNodes binds nodes idempotently on (task_template_version_id,
// node_args_hash) and returns persisted rows in input order.
func (r *dagRepo) BulkUpsertNodes(ctx context.Context, tx *gorm.DB, nodes []*domain.Node) ([]*domain.Node, error) {
	transaction := resolve(r.db, tx)
	if len(nodes) == 0 {
		return []*domain.Node{}, nil
	}
	err := transaction.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "task_template_version_id"}, {Name: "node_args_hash"},
			},
			DoNothing: true,
		}).
		Create(&nodes).Error
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Node, 0, len(nodes))
	for _, n := range nodes {
		if n.ID != 0 {
			out = append(out, n)
			continue
		}
		var existing domain.Node
		err := transaction.WithContext(ctx).
			Where("task_template_version_id = ? AND node_args_hash = ?",
				n.TaskTemplateVersionID, n.NodeArgsHash).
			First(&existing).Error
		if err != nil {
			return nil, err
		}
		out = append(out, &existing)
	}
	return out, nil
}

func (r *dagRepo) SetEdges(ctx context.Context, tx *gorm.DB, edges []domain.Edge) error {
	transaction := resolve(r.db, tx)
	if len(edges) == 0 {
		return nil
	}
	return transaction.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "dag_id"}, {Name: "node_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"upstream_node_ids", "downstream_node_ids",
			}),
		}).
		Create(&edges).Error
}

func (r *dagRepo) GetEdges(ctx context.Context, tx *gorm.DB, dagID int64) ([]domain.Edge, error) {
	transaction := resolve(r.db, tx)
	var out []domain.Edge
	err := transaction.WithContext(ctx).
		Where("dag_id = ?", dagID).
		Find(&out).Error
	return out, err
}
