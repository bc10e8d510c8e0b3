// Package graphqlapi exposes the single accuracyByLine query described in
// spec §6.2, grounded on original_source/src/graphql.rs's schema shape.
package graphqlapi

import (
	"fmt"
	"time"

	"github.com/graphql-go/graphql"
	"github.com/graphql-go/graphql/language/ast"
	"github.com/graphql-go/handler"

	"github.com/TrainLCD/THQ/internal/aggregation"
	"github.com/TrainLCD/THQ/internal/logging"
	"github.com/TrainLCD/THQ/internal/storage"
)

// Resolver wraps the aggregation Resolver with a GraphQL schema and HTTP
// handler for the /graphql endpoint.
type Resolver struct {
	schema graphql.Schema
}

// New builds the schema and binds it to store.
func New(store *storage.Storage, log *logging.Logger) *Resolver {
	agg := aggregation.New(store, log)

	dateTimeType := graphql.NewScalar(graphql.ScalarConfig{
		Name:        "DateTime",
		Description: "RFC3339 timestamp",
		Serialize: func(value interface{}) interface{} {
			if t, ok := value.(time.Time); ok {
				return t.UTC().Format(time.RFC3339)
			}
			return nil
		},
		ParseValue:  parseDateTime,
		ParseLiteral: func(valueAST ast.Value) interface{} { return nil },
	})

	bucketType := graphql.NewObject(graphql.ObjectConfig{
		Name: "AccuracyBucket",
		Fields: graphql.Fields{
			"bucketStart": &graphql.Field{Type: dateTimeType},
			"bucketEnd":   &graphql.Field{Type: dateTimeType},
			"avgAccuracy": &graphql.Field{Type: graphql.Float},
			"p90Accuracy": &graphql.Field{Type: graphql.Float},
			"sampleCount": &graphql.Field{Type: graphql.Int},
			"avgSpeed":    &graphql.Field{Type: graphql.Float},
			"maxSpeed":    &graphql.Field{Type: graphql.Float},
		},
	})

	reportType := graphql.NewObject(graphql.ObjectConfig{
		Name: "LineAccuracyReport",
		Fields: graphql.Fields{
			"lineId":  &graphql.Field{Type: graphql.Int},
			"buckets": &graphql.Field{Type: graphql.NewList(bucketType)},
		},
	})

	queryType := graphql.NewObject(graphql.ObjectConfig{
		Name: "Query",
		Fields: graphql.Fields{
			"accuracyByLine": &graphql.Field{
				Type: reportType,
				Args: graphql.FieldConfigArgument{
					"lineId":     &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.ID)},
					"from":       &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
					"to":         &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
					"bucketSize": &graphql.ArgumentConfig{Type: graphql.String, DefaultValue: "Hour"},
					"limit":      &graphql.ArgumentConfig{Type: graphql.Int, DefaultValue: 500},
				},
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					lineID, _ := p.Args["lineId"].(string)
					fromRaw, _ := p.Args["from"].(string)
					toRaw, _ := p.Args["to"].(string)
					bucketSize, _ := p.Args["bucketSize"].(string)
					limit, _ := p.Args["limit"].(int)

					from, err := time.Parse(time.RFC3339, fromRaw)
					if err != nil {
						return nil, fmt.Errorf("from must be RFC3339: %w", err)
					}
					to, err := time.Parse(time.RFC3339, toRaw)
					if err != nil {
						return nil, fmt.Errorf("to must be RFC3339: %w", err)
					}
					unit, seconds, err := bucketWidth(bucketSize)
					if err != nil {
						return nil, err
					}
					report, err := agg.AccuracyByLine(p.Context, lineID, from, to, unit, seconds, limit)
					if err != nil {
						return nil, err
					}
					return report, nil
				},
			},
		},
	})

	schema, err := graphql.NewSchema(graphql.SchemaConfig{Query: queryType})
	if err != nil {
		panic(fmt.Sprintf("graphqlapi: invalid schema: %v", err))
	}
	return &Resolver{schema: schema}
}

func bucketWidth(bucketSize string) (storage.TruncUnit, int, error) {
	switch bucketSize {
	case "Minute":
		return storage.TruncMinute, 60, nil
	case "Hour", "":
		return storage.TruncHour, 3600, nil
	case "Day":
		return storage.TruncDay, 86400, nil
	default:
		return "", 0, fmt.Errorf("bucketSize must be Minute, Hour, or Day, got %q", bucketSize)
	}
}

func parseDateTime(value interface{}) interface{} {
	s, ok := value.(string)
	if !ok {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	return t
}

// Handler returns the graphql-go HTTP handler serving the /graphql endpoint.
func (r *Resolver) Handler() *handler.Handler {
	return handler.New(&handler.Config{
		Schema:   &r.schema,
		Pretty:   true,
		GraphiQL: true,
	})
}
