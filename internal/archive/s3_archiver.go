package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/obsportal/obsportal/internal/models"
	"github.com/obsportal/obsportal/internal/telstates"
)

// Archiver stores availability reports in object storage.
type Archiver interface {
	ArchiveAvailability(ctx context.Context, site string, day time.Time, report AvailabilityReport) (string, error)
}

// AvailabilityReport is the per-site, per-day payload written to S3.
type AvailabilityReport struct {
	Site        string              `json:"site"`
	Day         string              `json:"day"`
	GeneratedAt time.Time           `json:"generatedAt"`
	Telescopes  []TelescopeFraction `json:"telescopes"`
}

type TelescopeFraction struct {
	Telescope string  `json:"telescope"`
	Fraction  float64 `json:"fraction"`
}

// BuildReport flattens one day's per-telescope availability for a site.
func BuildReport(site string, day time.Time, perTelescope map[models.TelescopeKey][]telstates.DayAvailability, now time.Time) AvailabilityReport {
	report := AvailabilityReport{
		Site:        site,
		Day:         day.Format("2006-01-02"),
		GeneratedAt: now,
	}
	for key, days := range perTelescope {
		if key.Site != site {
			continue
		}
		for _, d := range days {
			if d.Day.Equal(day) {
				report.Telescopes = append(report.Telescopes, TelescopeFraction{
					Telescope: key.String(),
					Fraction:  d.Fraction,
				})
			}
		}
	}
	return report
}

// S3Archiver writes availability reports to S3 paths like:
//
//	s3://<bucket>/<prefix>/availability/YYYY/MM/DD/<site>.json
type S3Archiver struct {
	bucket   string
	prefix   string
	uploader *manager.Uploader
}

// NewS3Archiver creates an S3Archiver. Region and credentials come from the
// environment (AWS_REGION, AWS_PROFILE, AWS_ACCESS_KEY_ID/SECRET etc.).
func NewS3Archiver(ctx context.Context, bucket, prefix string) (*S3Archiver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket required")
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return &S3Archiver{
		bucket:   bucket,
		prefix:   prefix,
		uploader: manager.NewUploader(client),
	}, nil
}

func (a *S3Archiver) objectKey(site string, day time.Time) string {
	year, month, d := day.Date()
	return path.Join(a.prefix, "availability",
		fmt.Sprintf("%04d", year),
		fmt.Sprintf("%02d", int(month)),
		fmt.Sprintf("%02d", d),
		fmt.Sprintf("%s.json", site),
	)
}

// ArchiveAvailability uploads the report and returns the object key so the
// caller can log or persist the pointer.
func (a *S3Archiver) ArchiveAvailability(ctx context.Context, site string, day time.Time, report AvailabilityReport) (string, error) {
	body, err := json.Marshal(report)
	if err != nil {
		return "", fmt.Errorf("marshal availability report: %w", err)
	}
	key := a.objectKey(site, day)
	_, err = a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("s3 upload failed: %w", err)
	}
	return key, nil
}
