package outbox

const connectionChangedSchema = `{
  "type": "object",
  "title": "WearableConnectionChanged",
  "properties": {
    "connection_id": {"type": "string"},
    "client_id": {"type": "string"},
    "provider": {"type": "string", "enum": ["google_fit", "fitbit", "garmin", "apple_health"]},
    "state": {"type": "string", "enum": ["connected", "disconnected"]},
    "occurred_at": {"type": "string", "format": "date-time"}
  },
  "required": ["connection_id", "client_id", "provider", "state", "occurred_at"],
  "additionalProperties": false
}`

const syncRequestedSchema = `{
  "type": "object",
  "title": "WearableSyncRequested",
  "properties": {
    "connection_id": {"type": "string"},
    "client_id": {"type": "string"},
    "provider": {"type": "string"},
    "reason": {"type": "string"},
    "requested_at": {"type": "string", "format": "date-time"}
  },
  "required": ["connection_id", "client_id", "provider", "reason", "requested_at"],
  "additionalProperties": false
}`

const recordsSyncedSchema = `{
  "type": "object",
  "title": "HealthRecordsSynced",
  "properties": {
    "connection_id": {"type": "string"},
    "client_id": {"type": "string"},
    "provider": {"type": "string"},
    "data_points": {"type": "integer", "minimum": 0},
    "failed_endpoints": {"type": ["array", "null"], "items": {"type": "string"}},
    "window_start": {"type": "string", "format": "date-time"},
    "window_end": {"type": "string", "format": "date-time"},
    "synced_at": {"type": "string", "format": "date-time"}
  },
  "required": ["connection_id", "client_id", "provider", "data_points", "window_start", "window_end", "synced_at"],
  "additionalProperties": false
}`
