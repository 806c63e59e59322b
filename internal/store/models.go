package store

import (
	"time"

	"gorm.io/datatypes"

	"github.com/lvonguyen/cost-guardian/internal/aggregator"
	"github.com/lvonguyen/cost-guardian/internal/anomaly"
	"github.com/lvonguyen/cost-guardian/internal/normalizer"
	"github.com/lvonguyen/cost-guardian/internal/recommend"
)

const dateLayout = "2006-01-02"

type usageRow struct {
	ID               string `gorm:"primaryKey;size:512"`
	AccountID        string `gorm:"size:128;not null;uniqueIndex:idx_daily_usage_key,priority:1"`
	ServiceID        string `gorm:"size:128;not null;uniqueIndex:idx_daily_usage_key,priority:2"`
	UsageDate        string `gorm:"size:10;not null;uniqueIndex:idx_daily_usage_key,priority:3;index"`
	ServiceName      string `gorm:"size:256"`
	ResourceType     string `gorm:"size:32;index"`
	ResourceID       string `gorm:"size:256"`
	Rollup           bool
	UsageQuantity    float64
	Cost             float64
	GrossCost        float64
	CreditAmount     float64
	Currency         string `gorm:"size:8"`
	Region           string `gorm:"size:64"`
	Tags             datatypes.JSONType[map[string]string]
	UtilizationScore float64
	SourceCount      int
	AnomalyFlag      bool
	AnomalyScore     float64
	LastUpdated      time.Time
}

func (usageRow) TableName() string { return "daily_usage" }

type resourceRow struct {
	ID                  uint   `gorm:"primaryKey;autoIncrement"`
	UsageID             string `gorm:"size:512;not null;index"`
	ResourceID          string `gorm:"size:256;not null;index"`
	Cost                float64
	CreditAmount        float64
	UsageQuantity       float64
	Utilization         float64
	UtilizationSupplied bool
	Owner               string `gorm:"size:256"`
	Region              string `gorm:"size:64"`
	SourceCount         int
}

func (resourceRow) TableName() string { return "daily_usage_resources" }

type anomalyRow struct {
	ID               string `gorm:"primaryKey;size:64"`
	DailyUsageID     string `gorm:"size:512;index"`
	AccountID        string `gorm:"size:128;index"`
	ServiceID        string `gorm:"size:128"`
	ServiceName      string `gorm:"size:256"`
	ResourceID       string `gorm:"size:256;index"`
	ResourceType     string `gorm:"size:32"`
	Owner            string `gorm:"size:256"`
	Type             string `gorm:"size:32;index"`
	Severity         string `gorm:"size:16"`
	PredictedSavings float64
	MonthlyCost      float64
	Utilization      float64
	ActualCost       float64
	ExpectedCost     float64
	Score            float64
	WindowStart      string `gorm:"size:10"`
	WindowEnd        string `gorm:"size:10"`
	Reason           string
	Status           string `gorm:"size:16;index"`
}

func (anomalyRow) TableName() string { return "anomalies" }

type recommendationRow struct {
	ID                      string `gorm:"primaryKey;size:64"`
	ResourceID              string `gorm:"size:256;index"`
	ResourceType            string `gorm:"size:32;index"`
	AccountID               string `gorm:"size:128;index"`
	ServiceID               string `gorm:"size:128"`
	ServiceName             string `gorm:"size:256"`
	Owner                   string `gorm:"size:256"`
	Type                    string `gorm:"size:32"`
	CurrentMonthlyCost      float64
	ProjectedSavingsMonthly float64
	Severity                string `gorm:"size:16"`
	Confidence              float64
	AnomalyID               string `gorm:"size:64"`
	Source                  string `gorm:"size:16"`
	Reason                  string
	Status                  string `gorm:"size:16;index"`
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

func (recommendationRow) TableName() string { return "recommendations" }

type deadLetterRow struct {
	ID          string `gorm:"primaryKey;size:512"`
	AccountID   string `gorm:"size:128"`
	ServiceName string `gorm:"size:256"`
	UsageDate   string `gorm:"size:10"`
	Reason      string
	Records     datatypes.JSONType[[]normalizer.NormalizedRecord]
	ParkedAt    time.Time
}

func (deadLetterRow) TableName() string { return "dead_letters" }

func toUsageRow(u aggregator.DailyUsage) (usageRow, []resourceRow) {
	id := u.Key().String()
	row := usageRow{
		ID:               id,
		AccountID:        u.AccountID,
		ServiceID:        u.ServiceID,
		UsageDate:        u.UsageDate.UTC().Format(dateLayout),
		ServiceName:      u.ServiceName,
		ResourceType:     string(u.ResourceType),
		ResourceID:       u.ResourceID,
		Rollup:           u.Rollup,
		UsageQuantity:    u.UsageQuantity,
		Cost:             u.Cost,
		GrossCost:        u.GrossCost,
		CreditAmount:     u.CreditAmount,
		Currency:         u.Currency,
		Region:           u.Region,
		Tags:             datatypes.NewJSONType(u.Tags),
		UtilizationScore: u.UtilizationScore,
		SourceCount:      u.SourceCount,
		AnomalyFlag:      u.AnomalyFlag,
		AnomalyScore:     u.AnomalyScore,
		LastUpdated:      u.LastUpdated.UTC(),
	}
	children := make([]resourceRow, 0, len(u.Children))
	for _, c := range u.Children {
		children = append(children, resourceRow{
			UsageID:             id,
			ResourceID:          c.ResourceID,
			Cost:                c.Cost,
			CreditAmount:        c.CreditAmount,
			UsageQuantity:       c.UsageQuantity,
			Utilization:         c.Utilization,
			UtilizationSupplied: c.UtilizationSupplied,
			Owner:               c.Owner,
			Region:              c.Region,
			SourceCount:         c.SourceCount,
		})
	}
	return row, children
}

func fromUsageRow(r usageRow, children []resourceRow) aggregator.DailyUsage {
	date, _ := time.Parse(dateLayout, r.UsageDate)
	tags := r.Tags.Data()
	if tags == nil {
		tags = map[string]string{}
	}
	u := aggregator.DailyUsage{
		AccountID:        r.AccountID,
		ServiceID:        r.ServiceID,
		ServiceName:      r.ServiceName,
		UsageDate:        date,
		ResourceType:     normalizer.ResourceType(r.ResourceType),
		UsageQuantity:    r.UsageQuantity,
		Cost:             r.Cost,
		GrossCost:        r.GrossCost,
		CreditAmount:     r.CreditAmount,
		Currency:         r.Currency,
		Region:           r.Region,
		ResourceID:       r.ResourceID,
		Rollup:           r.Rollup,
		Tags:             tags,
		UtilizationScore: r.UtilizationScore,
		SourceCount:      r.SourceCount,
		AnomalyFlag:      r.AnomalyFlag,
		AnomalyScore:     r.AnomalyScore,
		LastUpdated:      r.LastUpdated.UTC(),
		Children:         make([]aggregator.ResourceBreakdown, 0, len(children)),
	}
	for _, c := range children {
		u.Children = append(u.Children, aggregator.ResourceBreakdown{
			ResourceID:          c.ResourceID,
			Cost:                c.Cost,
			CreditAmount:        c.CreditAmount,
			UsageQuantity:       c.UsageQuantity,
			Utilization:         c.Utilization,
			UtilizationSupplied: c.UtilizationSupplied,
			Owner:               c.Owner,
			Region:              c.Region,
			SourceCount:         c.SourceCount,
		})
	}
	return u
}

func toAnomalyRow(a anomaly.Anomaly) anomalyRow {
	return anomalyRow{
		ID:               a.ID,
		DailyUsageID:     a.DailyUsageID,
		AccountID:        a.AccountID,
		ServiceID:        a.ServiceID,
		ServiceName:      a.ServiceName,
		ResourceID:       a.ResourceID,
		ResourceType:     string(a.ResourceType),
		Owner:            a.Owner,
		Type:             string(a.Type),
		Severity:         string(a.Severity),
		PredictedSavings: a.PredictedSavings,
		MonthlyCost:      a.MonthlyCost,
		Utilization:      a.Utilization,
		ActualCost:       a.ActualCost,
		ExpectedCost:     a.ExpectedCost,
		Score:            a.Score,
		WindowStart:      a.WindowStart.UTC().Format(dateLayout),
		WindowEnd:        a.WindowEnd.UTC().Format(dateLayout),
		Reason:           a.Reason,
		Status:           string(a.Status),
	}
}

func fromAnomalyRow(r anomalyRow) anomaly.Anomaly {
	start, _ := time.Parse(dateLayout, r.WindowStart)
	end, _ := time.Parse(dateLayout, r.WindowEnd)
	return anomaly.Anomaly{
		ID:               r.ID,
		DailyUsageID:     r.DailyUsageID,
		AccountID:        r.AccountID,
		ServiceID:        r.ServiceID,
		ServiceName:      r.ServiceName,
		ResourceID:       r.ResourceID,
		ResourceType:     normalizer.ResourceType(r.ResourceType),
		Owner:            r.Owner,
		Type:             anomaly.Type(r.Type),
		Severity:         anomaly.Severity(r.Severity),
		PredictedSavings: r.PredictedSavings,
		MonthlyCost:      r.MonthlyCost,
		Utilization:      r.Utilization,
		ActualCost:       r.ActualCost,
		ExpectedCost:     r.ExpectedCost,
		Score:            r.Score,
		WindowStart:      start,
		WindowEnd:        end,
		Reason:           r.Reason,
		Status:           anomaly.Status(r.Status),
	}
}

func toRecommendationRow(r recommend.Recommendation) recommendationRow {
	return recommendationRow{
		ID:                      r.ID,
		ResourceID:              r.ResourceID,
		ResourceType:            string(r.ResourceType),
		AccountID:               r.AccountID,
		ServiceID:               r.ServiceID,
		ServiceName:             r.ServiceName,
		Owner:                   r.Owner,
		Type:                    string(r.Type),
		CurrentMonthlyCost:      r.CurrentMonthlyCost,
		ProjectedSavingsMonthly: r.ProjectedSavingsMonthly,
		Severity:                string(r.Severity),
		Confidence:              r.Confidence,
		AnomalyID:               r.AnomalyID,
		Source:                  string(r.Source),
		Reason:                  r.Reason,
		Status:                  string(r.Status),
		CreatedAt:               r.CreatedAt.UTC(),
		UpdatedAt:               r.UpdatedAt.UTC(),
	}
}

func fromRecommendationRow(r recommendationRow) recommend.Recommendation {
	return recommend.Recommendation{
		ID:                      r.ID,
		ResourceID:              r.ResourceID,
		ResourceType:            normalizer.ResourceType(r.ResourceType),
		AccountID:               r.AccountID,
		ServiceID:               r.ServiceID,
		ServiceName:             r.ServiceName,
		Owner:                   r.Owner,
		Type:                    recommend.Type(r.Type),
		CurrentMonthlyCost:      r.CurrentMonthlyCost,
		ProjectedSavingsMonthly: r.ProjectedSavingsMonthly,
		Severity:                anomaly.Severity(r.Severity),
		Confidence:              r.Confidence,
		AnomalyID:               r.AnomalyID,
		Source:                  recommend.Source(r.Source),
		Reason:                  r.Reason,
		Status:                  recommend.Status(r.Status),
		CreatedAt:               r.CreatedAt.UTC(),
		UpdatedAt:               r.UpdatedAt.UTC(),
	}
}

func toDeadLetterRow(d aggregator.DeadLetter, parkedAt time.Time) deadLetterRow {
	return deadLetterRow{
		ID:          d.Key(),
		AccountID:   d.AccountID,
		ServiceName: d.ServiceName,
		UsageDate:   d.UsageDate,
		Reason:      d.Reason,
		Records:     datatypes.NewJSONType(d.Records),
		ParkedAt:    parkedAt.UTC(),
	}
}

func fromDeadLetterRow(r deadLetterRow) aggregator.DeadLetter {
	return aggregator.DeadLetter{
		AccountID:   r.AccountID,
		ServiceName: r.ServiceName,
		UsageDate:   r.UsageDate,
		Reason:      r.Reason,
		Records:     r.Records.Data(),
	}
}
