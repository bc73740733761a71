package data

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var eventCols = []string{
	"id", "device_id", "event_type", "confidence", "bbox_x", "bbox_y", "bbox_width", "bbox_height",
	"image_path", "metadata", "source_event_id", "created_at",
}

func TestEventModel_Append(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	m := EventModel{DB: db}
	e := &DetectionEvent{
		DeviceID:   "CAM010",
		EventType:  EventPersonDetection,
		Confidence: 0.9,
		BBox:       &BBox{X: 1, Y: 2, Width: 3, Height: 4},
		CreatedAt:  time.Now(),
	}

	mock.ExpectQuery("INSERT INTO detection_events").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))

	require.NoError(t, m.Append(context.Background(), e))
	assert.Equal(t, int64(42), e.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEventModel_QueryKeysetPaging(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	m := EventModel{DB: db}
	now := time.Now().UTC()

	rows := sqlmock.NewRows(eventCols).
		AddRow(int64(9), "CAM010", "person_detection", 0.8, 1, 2, 3, 4, nil, []byte(`{"k":1}`), nil, now).
		AddRow(int64(7), "CAM010", "person_detection", 0.7, nil, nil, nil, nil, "/tmp/a.jpg", nil, nil, now).
		AddRow(int64(5), "CAM010", "person_detection", 0.6, nil, nil, nil, nil, nil, nil, nil, now)

	// cursor, device_id, event_type, then limit+1
	mock.ExpectQuery(`SELECT (.+) FROM detection_events\s+WHERE 1=1 AND id < \$1 AND device_id = \$2 AND event_type = \$3\s+ORDER BY id DESC\s+LIMIT \$4`).
		WithArgs(int64(10), "CAM010", "person_detection", 3).
		WillReturnRows(rows)

	page, err := m.Query(context.Background(), EventFilter{DeviceID: "CAM010", EventType: EventPersonDetection}, 10, 2)
	require.NoError(t, err)
	require.Len(t, page.Events, 2)
	assert.Equal(t, int64(7), page.NextCursor)
	assert.NotNil(t, page.Events[0].BBox)
	assert.JSONEq(t, `{"k":1}`, string(page.Events[0].Metadata))
	assert.Nil(t, page.Events[1].BBox)
	assert.Equal(t, "/tmp/a.jpg", page.Events[1].ImagePath)
}

func TestEventModel_QueryLastPage(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	m := EventModel{DB: db}
	rows := sqlmock.NewRows(eventCols).
		AddRow(int64(1), "CAM010", "other", 0.1, nil, nil, nil, nil, nil, nil, nil, time.Now())
	mock.ExpectQuery("SELECT (.+) FROM detection_events").WillReturnRows(rows)

	page, err := m.Query(context.Background(), EventFilter{}, 0, 5)
	require.NoError(t, err)
	assert.Len(t, page.Events, 1)
	assert.Zero(t, page.NextCursor)
}
