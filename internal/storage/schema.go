package storage

// SchemaVersion is the version the newest migration leaves behind.
const SchemaVersion = 2

const createVersionsSQL = `
	CREATE TABLE IF NOT EXISTS schema_versions (
		version    INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`

type migration struct {
	version    int
	name       string
	statements []string
}

// Migrations only ever add. Existing telemetry is never dropped.
var migrations = []migration{
	{
		version: 1,
		name:    "initial",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS machines (
				machine_id TEXT PRIMARY KEY,
				location   TEXT NOT NULL DEFAULT '',
				is_active  INTEGER NOT NULL DEFAULT 1 CHECK (is_active IN (0, 1))
			)`,
			`CREATE TABLE IF NOT EXISTS doctors (
				username      TEXT PRIMARY KEY,
				password_hash TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS sensor_logs (
				id           {{serial}},
				machine_id   TEXT NOT NULL,
				ts           BIGINT NOT NULL,
				current_ma   {{float}} NOT NULL DEFAULT 0,
				ph           {{float}} NOT NULL DEFAULT 7.0,
				turbidity    {{float}} NOT NULL DEFAULT 0,
				pressure_pa  {{float}} NOT NULL DEFAULT 0,
				flow_rate    {{float}} NOT NULL DEFAULT 0,
				temperature  {{float}} NOT NULL DEFAULT 0,
				humidity     {{float}} NOT NULL DEFAULT 0,
				conductivity {{float}} NOT NULL DEFAULT 0,
				total_volume {{float}} NOT NULL DEFAULT 0,
				blood_leak   INTEGER NOT NULL DEFAULT 0 CHECK (blood_leak IN (0, 1))
			)`,
		},
	},
	{
		version: 2,
		name:    "history_index",
		statements: []string{
			`CREATE INDEX IF NOT EXISTS sensor_logs_machine_ts
				ON sensor_logs (machine_id, ts DESC)`,
		},
	},
}

const (
	insertFrameSQL = `
	INSERT INTO sensor_logs (
		machine_id, ts,
		current_ma, ph, turbidity, pressure_pa, flow_rate,
		temperature, humidity, conductivity, total_volume, blood_leak
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	recentFramesSQL = `
	SELECT ts,
		current_ma, ph, turbidity, pressure_pa, flow_rate,
		temperature, humidity, conductivity, total_volume, blood_leak
	FROM sensor_logs
	WHERE machine_id = ?
	ORDER BY ts DESC, id DESC
	LIMIT ?`

	machinesSQL = `
	SELECT machine_id, location, is_active
	FROM machines
	ORDER BY machine_id`

	upsertMachineSQL = `
	INSERT INTO machines (machine_id, location, is_active)
	VALUES (?, ?, ?)
	ON CONFLICT (machine_id) DO NOTHING`

	markActiveSQL = `UPDATE machines SET is_active = 1 WHERE machine_id = ?`

	passwordHashSQL = `SELECT password_hash FROM doctors WHERE username = ?`

	upsertDoctorSQL = `
	INSERT INTO doctors (username, password_hash)
	VALUES (?, ?)
	ON CONFLICT (username) DO UPDATE SET password_hash = excluded.password_hash`
)
