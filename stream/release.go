// Package stream provides DynamoDB Streams handlers that release the unique keys of
// documents removed from the document table, such as by TTL expiry.
package stream

import (
	"context"
	"fmt"
	"strconv"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"github.com/jacentio/unikey/store"
)

// ttlPrincipal is the stream record principal of deletions made by DynamoDB TTL.
const ttlPrincipal = "dynamodb.amazonaws.com"

// Handler processes DynamoDB stream events of the document table.
type Handler struct {
	registry *store.Registry
	logger   *zap.Logger
}

// NewHandler creates a new stream handler. Records are routed to collections of reg by
// the collection name stored on each document.
func NewHandler(reg *store.Registry, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		registry: reg,
		logger:   logger,
	}
}

// HandleRemovals releases the unique keys of every removed document in event.
// This function is designed to be used as an AWS Lambda handler.
func (h *Handler) HandleRemovals(ctx context.Context, event events.DynamoDBEvent) error {
	for _, record := range event.Records {
		if err := h.processRecord(ctx, record); err != nil {
			h.logger.Error("failed to process record",
				zap.String("eventID", record.EventID),
				zap.Error(err),
			)
			return err // Will retry, eventually DLQ
		}
	}
	return nil
}

// processRecord processes a single DynamoDB stream record.
func (h *Handler) processRecord(ctx context.Context, record events.DynamoDBEventRecord) error {
	// Inserts and updates never free unique keys on their own
	if record.EventName != string(events.DynamoDBOperationTypeRemove) {
		return nil
	}
	image := record.Change.OldImage
	if len(image) == 0 {
		h.logger.Warn("remove record without old image, check the stream view type",
			zap.String("eventID", record.EventID),
		)
		return nil
	}

	name := getStringAttr(image, "_collection")
	c, ok := h.registry.Collection(name)
	if !ok {
		h.logger.Warn("skipping record of unknown collection",
			zap.String("eventID", record.EventID),
			zap.String("collection", name),
		)
		return nil
	}

	item := store.ItemFromRaw(ConvertImage(image))
	h.logger.Info("releasing unique keys of removed document",
		zap.String("collection", name),
		zap.String("id", item.ID),
		zap.Int64("version", getNumberAttr(image, "_version")),
		zap.Bool("expired", isTTLRemoval(record)),
	)

	if err := c.Release(ctx, item); err != nil {
		return fmt.Errorf("release %s/%s: %w", name, item.ID, err)
	}
	return nil
}

func isTTLRemoval(record events.DynamoDBEventRecord) bool {
	return record.UserIdentity != nil && record.UserIdentity.PrincipalID == ttlPrincipal
}

// getStringAttr extracts a string attribute from a DynamoDB stream image.
func getStringAttr(image map[string]events.DynamoDBAttributeValue, key string) string {
	if v, ok := image[key]; ok && v.DataType() == events.DataTypeString {
		return v.String()
	}
	return ""
}

// getNumberAttr extracts a number attribute from a DynamoDB stream image.
func getNumberAttr(image map[string]events.DynamoDBAttributeValue, key string) int64 {
	if v, ok := image[key]; ok {
		if v.DataType() == events.DataTypeNumber {
			n, _ := strconv.ParseInt(v.Number(), 10, 64)
			return n
		}
	}
	return 0
}

// ConvertImage converts a DynamoDB stream image to SDK attribute values.
func ConvertImage(image map[string]events.DynamoDBAttributeValue) map[string]types.AttributeValue {
	result := make(map[string]types.AttributeValue, len(image))
	for k, v := range image {
		if av := convertAttribute(v); av != nil {
			result[k] = av
		}
	}
	return result
}

func convertAttribute(v events.DynamoDBAttributeValue) types.AttributeValue {
	switch v.DataType() {
	case events.DataTypeString:
		return &types.AttributeValueMemberS{Value: v.String()}
	case events.DataTypeNumber:
		return &types.AttributeValueMemberN{Value: v.Number()}
	case events.DataTypeBinary:
		return &types.AttributeValueMemberB{Value: v.Binary()}
	case events.DataTypeBoolean:
		return &types.AttributeValueMemberBOOL{Value: v.Boolean()}
	case events.DataTypeNull:
		return &types.AttributeValueMemberNULL{Value: true}
	case events.DataTypeList:
		list := make([]types.AttributeValue, 0, len(v.List()))
		for _, e := range v.List() {
			if av := convertAttribute(e); av != nil {
				list = append(list, av)
			}
		}
		return &types.AttributeValueMemberL{Value: list}
	case events.DataTypeMap:
		return &types.AttributeValueMemberM{Value: ConvertImage(v.Map())}
	case events.DataTypeStringSet:
		return &types.AttributeValueMemberSS{Value: v.StringSet()}
	case events.DataTypeNumberSet:
		return &types.AttributeValueMemberNS{Value: v.NumberSet()}
	case events.DataTypeBinarySet:
		return &types.AttributeValueMemberBS{Value: v.BinarySet()}
	}
	return nil
}
