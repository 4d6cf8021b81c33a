package archive

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"data_gateway/logger"
	"data_gateway/models"
)

const barsCollection = "kline_bars"

// mongoBar is one bar document; _id is market:code:period:date
type mongoBar struct {
	ID        string    `bson:"_id"`
	Market    string    `bson:"market"`
	Code      string    `bson:"code"`
	Period    string    `bson:"period"`
	TradeDate time.Time `bson:"trade_date"`
	Open      string    `bson:"open"`
	Close     string    `bson:"close"`
	High      string    `bson:"high"`
	Low       string    `bson:"low"`
	Volume    int64     `bson:"volume"`
	Amount    string    `bson:"amount"`
	Source    string    `bson:"source"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// MongoArchive mirrors archived bars into a MongoDB collection
type MongoArchive struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// ConnectMongo dials uri, pings, and ensures the series index exists
func ConnectMongo(ctx context.Context, uri, database string) (*MongoArchive, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	clientOptions := options.Client().
		ApplyURI(uri).
		SetMaxPoolSize(10).
		SetConnectTimeout(30 * time.Second).
		SetRetryWrites(true).
		SetRetryReads(true)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	coll := client.Database(database).Collection(barsCollection)
	_, err = coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "market", Value: 1}, {Key: "code", Value: 1}, {Key: "period", Value: 1}, {Key: "trade_date", Value: 1}},
	})
	if err != nil {
		logger.WithComponent("archive").WithError(err).Warn("failed to create mongo index")
	}

	logger.WithComponent("archive").WithField("database", database).Info("MongoDB archive connected")
	return &MongoArchive{client: client, coll: coll}, nil
}

func (a *MongoArchive) Store(ctx context.Context, source string, payload models.KlinePayload) (int, error) {
	rows := toRows(source, payload)
	if len(rows) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	ops := make([]mongo.WriteModel, 0, len(rows))
	for _, r := range rows {
		doc := mongoBar{
			ID:        fmt.Sprintf("%s:%s:%s:%s", r.Market, r.Code, r.Period, r.TradeDate.Format("2006-01-02T15:04")),
			Market:    r.Market,
			Code:      r.Code,
			Period:    r.Period,
			TradeDate: r.TradeDate,
			Open:      r.Open.String(),
			Close:     r.Close.String(),
			High:      r.High.String(),
			Low:       r.Low.String(),
			Volume:    r.Volume,
			Amount:    r.Amount.String(),
			Source:    r.SourceCode,
			UpdatedAt: now,
		}
		ops = append(ops, mongo.NewReplaceOneModel().
			SetFilter(bson.M{"_id": doc.ID}).
			SetReplacement(doc).
			SetUpsert(true))
	}

	if _, err := a.coll.BulkWrite(ctx, ops, options.BulkWrite().SetOrdered(false)); err != nil {
		return 0, fmt.Errorf("mongo bulk write: %w", err)
	}
	return len(rows), nil
}

func (a *MongoArchive) Close(ctx context.Context) error {
	return a.client.Disconnect(ctx)
}
