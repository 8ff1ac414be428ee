package dynamodb

import (
	"context"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	awsdynamodb "github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	log "github.com/sirupsen/logrus"

	"github.com/grid-x/aws-auto-backup/pkg/datastore"
)

const (
	primaryKey = "instance_id"
	rangeKey   = "created_at"
)

// DynamoDB represents a datastore that uses dynamodb under the hood
type DynamoDB struct {
	table  string
	client dynamodbiface.DynamoDBAPI

	logger log.FieldLogger
}

type item struct {
	Instance  string            `dynamodbav:"instance_id"`
	CreatedAt int64             `dynamodbav:"created_at"`
	ImageID   string            `dynamodbav:"image_id"`
	Name      string            `dynamodbav:"name"`
	Devices   map[string]string `dynamodbav:"devices,omitempty"`
	Labels    map[string]string `dynamodbav:"labels,omitempty"`
}

func (it *item) info() *datastore.BackupInfo {
	return &datastore.BackupInfo{
		Instance:  datastore.InstanceID(it.Instance),
		ImageID:   datastore.ImageID(it.ImageID),
		Name:      it.Name,
		CreatedAt: time.Unix(it.CreatedAt, 0),
		Devices:   it.Devices,
		Labels:    datastore.BackupLabels(it.Labels),
	}
}

// New creates a new DynamoDB-based datastore
func New(client dynamodbiface.DynamoDBAPI, table string) *DynamoDB {
	return &DynamoDB{
		table:  table,
		client: client,
		logger: log.New().WithFields(log.Fields{
			"component": "datastore",
			"datastore": "dynamodb",
		}),
	}
}

// WithLogger returns a copy of the datastore logging to the given logger
func (d *DynamoDB) WithLogger(logger log.FieldLogger) *DynamoDB {
	cp := *d
	cp.logger = logger.WithFields(log.Fields{
		"component": "datastore",
		"datastore": "dynamodb",
	})
	return &cp
}

// StoreBackupInfo stores the given backup info in the datastore
func (d *DynamoDB) StoreBackupInfo(ctx context.Context, info *datastore.BackupInfo) error {

	record := &item{
		Instance:  string(info.Instance),
		ImageID:   string(info.ImageID),
		Name:      info.Name,
		CreatedAt: info.CreatedAt.Unix(),
		Devices:   info.Devices,
		Labels:    (map[string]string)(info.Labels),
	}

	logger := d.logger.WithFields(log.Fields{
		"instance-id": string(info.Instance),
		"image-id":    string(info.ImageID),
	})

	av, err := dynamodbattribute.MarshalMap(record)
	if err != nil {
		return err
	}

	logger.Debug("trying to put item into dynamodb table...")
	_, err = d.client.PutItemWithContext(ctx, &awsdynamodb.PutItemInput{
		TableName: aws.String(d.table),
		Item:      av,
	})
	if err != nil {
		return err
	}
	logger.Info("successfully added item to table")
	return nil
}

// GetLatestBackupInfo returns the latest backup info of an instance found in
// the datastore
func (d *DynamoDB) GetLatestBackupInfo(ctx context.Context, instance datastore.InstanceID) (*datastore.BackupInfo, error) {
	logger := d.logger.WithFields(log.Fields{
		"instance-id": string(instance),
	})
	logger.Debug("trying to get latest backup info...")
	out, err := d.client.QueryWithContext(ctx, &awsdynamodb.QueryInput{
		TableName:              aws.String(d.table),
		KeyConditionExpression: aws.String(primaryKey + " = :instance_id"),
		ExpressionAttributeValues: map[string]*awsdynamodb.AttributeValue{
			":instance_id": {
				S: aws.String(string(instance)),
			},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int64(1),
	})
	if err != nil {
		return nil, err
	}

	var items []*item
	if err := dynamodbattribute.UnmarshalListOfMaps(out.Items, &items); err != nil {
		return nil, err
	}

	if len(items) == 0 {
		return nil, datastore.ErrNotFound
	}

	logger.Info("found latest backup info")
	return items[0].info(), nil
}

// DeleteBackupInfo removes all entries of the info's instance that refer to
// the info's image
func (d *DynamoDB) DeleteBackupInfo(ctx context.Context, info *datastore.BackupInfo) error {
	logger := d.logger.WithFields(log.Fields{
		"instance-id": string(info.Instance),
		"image-id":    string(info.ImageID),
	})

	var startKey map[string]*awsdynamodb.AttributeValue
	for {
		out, err := d.client.QueryWithContext(ctx, &awsdynamodb.QueryInput{
			TableName:              aws.String(d.table),
			KeyConditionExpression: aws.String(primaryKey + " = :instance_id"),
			FilterExpression:       aws.String("image_id = :image_id"),
			ExpressionAttributeValues: map[string]*awsdynamodb.AttributeValue{
				":instance_id": {
					S: aws.String(string(info.Instance)),
				},
				":image_id": {
					S: aws.String(string(info.ImageID)),
				},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return err
		}

		var items []*item
		if err := dynamodbattribute.UnmarshalListOfMaps(out.Items, &items); err != nil {
			return err
		}
		for _, it := range items {
			logger.Debugf("deleting item created at %d", it.CreatedAt)
			if _, err := d.client.DeleteItemWithContext(ctx, &awsdynamodb.DeleteItemInput{
				TableName: aws.String(d.table),
				Key: map[string]*awsdynamodb.AttributeValue{
					primaryKey: {
						S: aws.String(it.Instance),
					},
					rangeKey: {
						N: aws.String(strconv.FormatInt(it.CreatedAt, 10)),
					},
				},
			}); err != nil {
				return err
			}
		}

		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}
	logger.Info("deleted backup info")
	return nil
}
