package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// DocumentUsageSource reads job usage records from a document store index pattern.
type DocumentUsageSource struct {
	store             DocumentStore
	indexPattern      string
	accountAttribute  string
	resourceAttribute string
}

// NewDocumentUsageSource matches accountAttribute against the account id and reads
// the execution site from resourceAttribute.
func NewDocumentUsageSource(store DocumentStore, indexPattern string, accountAttribute string, resourceAttribute string) (*DocumentUsageSource, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if strings.TrimSpace(indexPattern) == "" {
		return nil, fmt.Errorf("%w: usage index is empty", ErrInvalidServiceConfig)
	}
	if strings.TrimSpace(accountAttribute) == "" {
		accountAttribute = DefaultAccountNameAttribute
	}
	if strings.TrimSpace(resourceAttribute) == "" {
		resourceAttribute = DefaultResourceNameAttribute
	}
	return &DocumentUsageSource{
		store:             store,
		indexPattern:      indexPattern,
		accountAttribute:  accountAttribute,
		resourceAttribute: resourceAttribute,
	}, nil
}

// UsageRecords returns the jobs of accountID recorded within [day, day+1).
func (source *DocumentUsageSource) UsageRecords(ctx context.Context, accountID AccountID, day Day) ([]UsageRecord, error) {
	query := Query{
		Terms: map[string]string{source.accountAttribute: accountID.String()},
		Range: &RangeFilter{
			Field: UsageFieldRecordTime,
			GTE:   float64(day.Start().Unix()),
			LT:    float64(day.End().Unix()),
		},
	}
	documents, err := source.store.Search(ctx, source.indexPattern, query)
	if err != nil {
		return nil, WrapError(errorOperationRepository, errorSubjectUsage, errorCodeSearch, err)
	}
	records := make([]UsageRecord, 0, len(documents))
	for _, document := range documents {
		records = append(records, DecodeUsageRecord(document, source.resourceAttribute))
	}
	return records, nil
}

// DecodeUsageRecord reads a job ad. Missing RequestCpus defaults to one CPU;
// other missing quantities are zero.
func DecodeUsageRecord(document Document, resourceAttribute string) UsageRecord {
	body := document.Body
	record := UsageRecord{ID: document.ID, RequestCpus: 1}
	if globalJobID, ok := StringField(body, UsageFieldGlobalJobID); ok && globalJobID != "" {
		record.ID = globalJobID
	}
	record.Owner, _ = StringField(body, UsageFieldOwner)
	record.SubmitHost, _ = StringField(body, UsageFieldScheddName)
	record.ResourceSite, _ = StringField(body, resourceAttribute)
	if recordTime, ok := NumberField(body, UsageFieldRecordTime); ok {
		record.RecordTime = time.Unix(int64(recordTime), 0).UTC()
	}
	record.WallClockSeconds, _ = NumberField(body, UsageFieldWallClock)
	if cpus, ok := NumberField(body, UsageFieldRequestCpus); ok {
		record.RequestCpus = cpus
	}
	record.RequestMemoryMiB, _ = NumberField(body, UsageFieldRequestMemory)
	record.RequestGpus, _ = NumberField(body, UsageFieldRequestGpus)
	record.Hyperthread, _ = BoolField(body, UsageFieldHyperthreadCPU)
	return record
}
