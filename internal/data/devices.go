package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DeviceModel persists registry records in Postgres. Removal is a soft
// delete so removed ids stay known to event ingestion.
type DeviceModel struct {
	DB     DBTX
	Sealer Sealer // optional; nil stores no password
}

const deviceColumns = `device_id, name, protocol, ip_address, port, username, password_enc,
		location, description, status, last_seen, gb_device_id, gb_channel_id,
		gb_manufacturer, gb_model, rtsp_url, created_at, updated_at`

// Insert creates the row, reviving a soft-deleted id if present.
func (m DeviceModel) Insert(ctx context.Context, d *Device) error {
	secret, err := m.sealPassword(d)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO devices (
			device_id, name, protocol, ip_address, port, username, password_enc,
			location, description, status, gb_device_id, gb_channel_id,
			gb_manufacturer, gb_model, rtsp_url, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $16)
		ON CONFLICT (device_id) DO UPDATE SET
			name = EXCLUDED.name, protocol = EXCLUDED.protocol,
			ip_address = EXCLUDED.ip_address, port = EXCLUDED.port,
			username = EXCLUDED.username, password_enc = EXCLUDED.password_enc,
			location = EXCLUDED.location, description = EXCLUDED.description,
			status = EXCLUDED.status, last_seen = NULL,
			gb_device_id = EXCLUDED.gb_device_id, gb_channel_id = EXCLUDED.gb_channel_id,
			gb_manufacturer = EXCLUDED.gb_manufacturer, gb_model = EXCLUDED.gb_model,
			rtsp_url = EXCLUDED.rtsp_url, created_at = EXCLUDED.created_at,
			updated_at = EXCLUDED.updated_at, deleted_at = NULL
		WHERE devices.deleted_at IS NOT NULL
		RETURNING device_id`

	var id string
	err = m.DB.QueryRowContext(ctx, query,
		d.DeviceID, d.Name, string(d.Protocol), d.IPAddress, d.Port,
		nullString(d.Username), secret, nullString(d.Location), nullString(d.Description),
		string(d.Status), nullString(d.GBDeviceID), nullString(d.GBChannelID),
		nullString(d.GBManufacturer), nullString(d.GBModel), nullString(d.RTSPURL),
		d.CreatedAt,
	).Scan(&id)

	if errors.Is(err, sql.ErrNoRows) || isUniqueViolation(err) {
		return &ConflictError{Kind: "device", ID: d.DeviceID}
	}
	return err
}

// Update rewrites the mutable columns of a live device.
func (m DeviceModel) Update(ctx context.Context, d *Device) error {
	secret, err := m.sealPassword(d)
	if err != nil {
		return err
	}

	query := `
		UPDATE devices
		SET name = $1, ip_address = $2, port = $3, username = $4, password_enc = $5,
		    location = $6, description = $7, gb_device_id = $8, gb_channel_id = $9,
		    gb_manufacturer = $10, gb_model = $11, rtsp_url = $12, updated_at = $13
		WHERE device_id = $14 AND deleted_at IS NULL`

	res, err := m.DB.ExecContext(ctx, query,
		d.Name, d.IPAddress, d.Port, nullString(d.Username), secret,
		nullString(d.Location), nullString(d.Description), nullString(d.GBDeviceID),
		nullString(d.GBChannelID), nullString(d.GBManufacturer), nullString(d.GBModel),
		nullString(d.RTSPURL), d.UpdatedAt, d.DeviceID,
	)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

func (m DeviceModel) UpdateStatus(ctx context.Context, id string, status DeviceStatus, at time.Time) error {
	query := `
		UPDATE devices
		SET status = $1, last_seen = CASE WHEN $1 = 'online' THEN $2 ELSE last_seen END, updated_at = $2
		WHERE device_id = $3 AND deleted_at IS NULL`

	res, err := m.DB.ExecContext(ctx, query, string(status), at, id)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

func (m DeviceModel) Delete(ctx context.Context, id string) error {
	query := `UPDATE devices SET deleted_at = NOW() WHERE device_id = $1 AND deleted_at IS NULL`
	res, err := m.DB.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

// LoadAll returns live devices plus the ids of soft-deleted ones.
func (m DeviceModel) LoadAll(ctx context.Context) ([]Device, []string, error) {
	query := `SELECT ` + deviceColumns + `, deleted_at IS NOT NULL FROM devices ORDER BY created_at`

	rows, err := m.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var live []Device
	var removed []string
	for rows.Next() {
		var d Device
		var protocol, status string
		var username, location, description, rtspURL sql.NullString
		var gbDevice, gbChannel, gbManuf, gbModel sql.NullString
		var secret []byte
		var lastSeen sql.NullTime
		var deleted bool
		if err := rows.Scan(
			&d.DeviceID, &d.Name, &protocol, &d.IPAddress, &d.Port, &username, &secret,
			&location, &description, &status, &lastSeen, &gbDevice, &gbChannel,
			&gbManuf, &gbModel, &rtspURL, &d.CreatedAt, &d.UpdatedAt, &deleted,
		); err != nil {
			return nil, nil, err
		}
		if deleted {
			removed = append(removed, d.DeviceID)
			continue
		}

		d.Protocol = Protocol(protocol)
		d.Status = DeviceStatus(status)
		d.Username = username.String
		d.Location = location.String
		d.Description = description.String
		d.GBDeviceID = gbDevice.String
		d.GBChannelID = gbChannel.String
		d.GBManufacturer = gbManuf.String
		d.GBModel = gbModel.String
		d.RTSPURL = rtspURL.String
		if lastSeen.Valid {
			t := lastSeen.Time
			d.LastSeen = &t
		}
		if len(secret) > 0 && m.Sealer != nil {
			plain, err := m.Sealer.Open(secret, []byte(d.DeviceID))
			if err != nil {
				return nil, nil, fmt.Errorf("device %s: open password: %w", d.DeviceID, err)
			}
			d.Password = string(plain)
		}
		live = append(live, d)
	}
	return live, removed, rows.Err()
}

func (m DeviceModel) sealPassword(d *Device) ([]byte, error) {
	if d.Password == "" || m.Sealer == nil {
		return nil, nil
	}
	// The device id is bound as AAD so a ciphertext cannot be moved between rows.
	out, err := m.Sealer.Seal([]byte(d.Password), []byte(d.DeviceID))
	if err != nil {
		return nil, fmt.Errorf("seal password: %w", err)
	}
	return out, nil
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRecordNotFound
	}
	return nil
}
