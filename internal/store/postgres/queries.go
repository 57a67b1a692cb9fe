package postgres

const jobColumns = `id, tenant_id, type, payload, idempotency_key, attempts, max_attempts, status,
    last_error, claimed_by, claim_token, visible_until, created_at, updated_at, next_run_at`

const queryInsertJob = `
INSERT INTO jobs (` + jobColumns + `)
VALUES ($1, $2, $3, $4, $5, 0, $6, 'queued', '', '', NULL, NULL, $7, $7, $8)
ON CONFLICT DO NOTHING
RETURNING id
`

const queryFindKeyHolder = `
SELECT id FROM jobs
WHERE tenant_id = $1 AND type = $2 AND idempotency_key = $3
  AND status IN ('queued', 'running', 'succeeded')
`

const queryJobExists = `
SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1 AND tenant_id = $2)
`

// Candidates are ranked per tenant so each batch takes the oldest job of
// every tenant before a second job of any tenant.
const queryDequeue = `
WITH candidates AS (
    SELECT id,
           ROW_NUMBER() OVER (PARTITION BY tenant_id ORDER BY created_at, id) AS rn,
           MIN(created_at) OVER (PARTITION BY tenant_id) AS tenant_head,
           tenant_id
    FROM jobs
    WHERE (status = 'queued' AND next_run_at <= $1)
       OR (status = 'running' AND visible_until <= $1 AND attempts < max_attempts)
),
picked AS (
    SELECT j.id
    FROM jobs j
    JOIN candidates c ON c.id = j.id
    WHERE (j.status = 'queued' AND j.next_run_at <= $1)
       OR (j.status = 'running' AND j.visible_until <= $1 AND j.attempts < j.max_attempts)
    ORDER BY c.rn, c.tenant_head, c.tenant_id
    LIMIT $2
    FOR UPDATE OF j SKIP LOCKED
)
UPDATE jobs
SET status = 'running',
    attempts = jobs.attempts + 1,
    claimed_by = $3,
    claim_token = gen_random_uuid(),
    visible_until = $4,
    updated_at = $1
FROM picked
WHERE jobs.id = picked.id
RETURNING jobs.id, jobs.tenant_id, jobs.type, jobs.payload, jobs.idempotency_key, jobs.attempts,
    jobs.max_attempts, jobs.status, jobs.last_error, jobs.claimed_by, jobs.claim_token,
    jobs.visible_until, jobs.created_at, jobs.updated_at, jobs.next_run_at
`

// Settling updates are guarded by the claim token.
const queryAck = `
UPDATE jobs
SET status = 'succeeded', last_error = '', claimed_by = '', claim_token = NULL, visible_until = NULL, updated_at = $4
WHERE id = $1 AND tenant_id = $2 AND status = 'running' AND claim_token = $3
`

const queryNack = `
UPDATE jobs
SET status = 'queued', last_error = $5, next_run_at = $6,
    claimed_by = '', claim_token = NULL, visible_until = NULL, updated_at = $4
WHERE id = $1 AND tenant_id = $2 AND status = 'running' AND claim_token = $3
`

const queryDeadLetter = `
UPDATE jobs
SET status = 'dead_lettered', last_error = $5,
    claimed_by = '', claim_token = NULL, visible_until = NULL, updated_at = $4
WHERE id = $1 AND tenant_id = $2 AND status = 'running' AND claim_token = $3
`

const queryHasSucceeded = `
SELECT EXISTS (
    SELECT 1 FROM jobs
    WHERE tenant_id = $1 AND type = $2 AND idempotency_key = $3
      AND status = 'succeeded' AND id <> $4
)
`

const queryGetJob = `
SELECT ` + jobColumns + `
FROM jobs
WHERE id = $1 AND tenant_id = $2
`

const queryCancelJob = `
UPDATE jobs
SET status = 'cancelled', updated_at = $3
WHERE id = $1 AND tenant_id = $2 AND status = 'queued'
`

const queryListDeadLetters = `
SELECT ` + jobColumns + `
FROM jobs
WHERE tenant_id = $1 AND status = 'dead_lettered'
ORDER BY updated_at DESC, id
LIMIT $2
`

const queryDiscardDeadLetter = `
UPDATE jobs
SET status = 'failed', updated_at = $3
WHERE id = $1 AND tenant_id = $2 AND status = 'dead_lettered'
`

const querySelectExpired = `
SELECT id, attempts, max_attempts
FROM jobs
WHERE status = 'running' AND visible_until <= $1
ORDER BY visible_until, id
LIMIT $2
FOR UPDATE SKIP LOCKED
`

const queryReleaseExpired = `
UPDATE jobs
SET status = $2, last_error = $3, next_run_at = $4,
    claimed_by = '', claim_token = NULL, visible_until = NULL, updated_at = $4
WHERE id = $1
RETURNING ` + jobColumns

const documentColumns = `id, tenant_id, source_ref, status, fields, failure_reason, cancelled_at, created_at, updated_at`

const queryInsertDocument = `
INSERT INTO documents (` + documentColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, NULL, $7, $8)
`

const queryGetDocument = `
SELECT ` + documentColumns + `
FROM documents
WHERE id = $1 AND tenant_id = $2
`

const queryTransitionDocument = `
UPDATE documents
SET status = $4,
    fields = COALESCE($5, fields),
    failure_reason = CASE WHEN $6 <> '' THEN $6 ELSE failure_reason END,
    updated_at = $7
WHERE id = $1 AND tenant_id = $2 AND status = $3
`

const queryDocumentExists = `
SELECT EXISTS (SELECT 1 FROM documents WHERE id = $1 AND tenant_id = $2)
`

const queryCancelDocument = `
UPDATE documents
SET cancelled_at = COALESCE(cancelled_at, $3), updated_at = $3
WHERE id = $1 AND tenant_id = $2
`

const queryUpsertLedgerEntry = `
INSERT INTO ledger_entries (id, tenant_id, amount, currency, entry_date, counterparty, reference, matched)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO UPDATE
SET amount = EXCLUDED.amount,
    currency = EXCLUDED.currency,
    entry_date = EXCLUDED.entry_date,
    counterparty = EXCLUDED.counterparty,
    reference = EXCLUDED.reference,
    matched = EXCLUDED.matched
WHERE ledger_entries.tenant_id = EXCLUDED.tenant_id
`

// Entries held by another document's current matched result are excluded.
const queryListUnmatchedLedgerEntries = `
SELECT e.id, e.tenant_id, e.amount, e.currency, e.entry_date, e.counterparty, e.reference, e.matched
FROM ledger_entries e
WHERE e.tenant_id = $1
  AND NOT e.matched
  AND e.entry_date BETWEEN $3 AND $4
  AND NOT EXISTS (
      SELECT 1 FROM matches m
      WHERE m.tenant_id = $1
        AND m.ledger_entry_id = e.id
        AND m.document_id <> $2
        AND m.status = 'matched'
        AND NOT EXISTS (SELECT 1 FROM matches n WHERE n.supersedes_id = m.id)
  )
ORDER BY e.id
`

const matchColumns = `id, tenant_id, document_id, job_id, ledger_entry_id, confidence_score, status, supersedes_id, created_at`

const queryInsertMatch = `
INSERT INTO matches (` + matchColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
`

const querySupersedable = `
SELECT EXISTS (
    SELECT 1 FROM matches
    WHERE id = $1 AND tenant_id = $2 AND document_id = $3
)
`

const queryLockLedgerEntry = `
SELECT id FROM ledger_entries
WHERE id = $1 AND tenant_id = $2
FOR UPDATE
`

const queryLedgerEntryHolder = `
SELECT m.document_id
FROM matches m
WHERE m.tenant_id = $1
  AND m.ledger_entry_id = $2
  AND m.document_id <> $3
  AND m.status = 'matched'
  AND NOT EXISTS (SELECT 1 FROM matches n WHERE n.supersedes_id = m.id)
LIMIT 1
`

const queryGetMatch = `
SELECT ` + matchColumns + `
FROM matches
WHERE id = $1 AND tenant_id = $2
`

const queryGetMatchByJob = `
SELECT ` + matchColumns + `
FROM matches
WHERE job_id = $1 AND tenant_id = $2
`

const queryLatestMatch = `
SELECT ` + matchColumns + `
FROM matches m
WHERE m.tenant_id = $1 AND m.document_id = $2
  AND NOT EXISTS (SELECT 1 FROM matches n WHERE n.supersedes_id = m.id)
`

const queryListMatches = `
SELECT ` + matchColumns + `
FROM matches
WHERE tenant_id = $1 AND created_at >= $2 AND created_at < $3
ORDER BY created_at, id
`

const scheduleColumns = `id, tenant_id, job_type, cron_expression, timezone, payload, enabled, next_fire_at, created_at, updated_at`

const queryInsertSchedule = `
INSERT INTO schedules (` + scheduleColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
`

const queryGetSchedule = `
SELECT ` + scheduleColumns + `
FROM schedules
WHERE id = $1 AND tenant_id = $2
`

const queryDueSchedules = `
SELECT ` + scheduleColumns + `
FROM schedules
WHERE enabled AND next_fire_at <= $1
ORDER BY next_fire_at, id
LIMIT $2
`

// Compare-and-set on next_fire_at so concurrent ticks advance a schedule once.
const queryAdvanceSchedule = `
UPDATE schedules
SET next_fire_at = $4, updated_at = $5
WHERE id = $1 AND tenant_id = $2 AND next_fire_at = $3
`

const queryScheduleExists = `
SELECT EXISTS (SELECT 1 FROM schedules WHERE id = $1 AND tenant_id = $2)
`
