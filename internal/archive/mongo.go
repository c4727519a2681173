// Package archive は成功したリサーチレポートを MongoDB に保存します。
package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/yourusername/agent-farm/internal/config"
	"github.com/yourusername/agent-farm/internal/research"
)

const defaultListLimit = 20

// ErrNotFound はアーカイブにレポートが存在しないことを表します。
var ErrNotFound = errors.New("report not found")

// Document はアーカイブに保存されるドキュメントです。
type Document struct {
	JobID      string          `bson:"_id" json:"job_id"`
	Params     research.Params `bson:"params" json:"params"`
	Report     research.Report `bson:"report" json:"report"`
	ArchivedAt time.Time       `bson:"archived_at" json:"archived_at"`
}

// Mongo は MongoDB のコレクションをアーカイブとして扱います。
type Mongo struct {
	coll *mongo.Collection
	now  func() time.Time
}

// Connect は MongoDB に接続してアーカイブを作成します。
func Connect(ctx context.Context, cfg config.MongoConfig) (*Mongo, error) {
	if cfg.URI == "" {
		return nil, errors.New("mongodb uri is empty")
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	coll := client.Database(cfg.Database).Collection(cfg.Collection)
	// 一覧表示用。既に存在する場合は何もしない
	if _, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "archived_at", Value: -1}},
	}); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to create archive index: %w", err)
	}
	return New(coll), nil
}

// New は既存のコレクションからアーカイブを作成します。
func New(coll *mongo.Collection) *Mongo {
	return &Mongo{coll: coll, now: time.Now}
}

// Save はレポートを保存します。同じ job_id のレポートは上書きします。
func (m *Mongo) Save(ctx context.Context, jobID string, params research.Params, report *research.Report) error {
	if report == nil {
		return errors.New("report is nil")
	}
	doc := Document{
		JobID:      jobID,
		Params:     params,
		Report:     *report,
		ArchivedAt: m.now().UTC(),
	}
	_, err := m.coll.ReplaceOne(ctx, bson.M{"_id": jobID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("archive report %s: %w", jobID, err)
	}
	return nil
}

// Get はレポートを取得します。
func (m *Mongo) Get(ctx context.Context, jobID string) (*Document, error) {
	var doc Document
	err := m.coll.FindOne(ctx, bson.M{"_id": jobID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query report: %w", err)
	}
	return &doc, nil
}

// List は新しい順にレポートを返します。
func (m *Mongo) List(ctx context.Context, limit int) ([]Document, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "archived_at", Value: -1}}).
		SetLimit(int64(limit)).
		SetProjection(bson.M{"report.sections": 0})

	cursor, err := m.coll.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	defer cursor.Close(ctx)

	docs := []Document{}
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode reports: %w", err)
	}
	return docs, nil
}

// Ping は MongoDB への疎通を確認します。
func (m *Mongo) Ping(ctx context.Context) error {
	return m.coll.Database().Client().Ping(ctx, nil)
}

// Close は接続を閉じます。
func (m *Mongo) Close(ctx context.Context) error {
	return m.coll.Database().Client().Disconnect(ctx)
}
