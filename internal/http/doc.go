// Package http exposes the enrollment engine to the member facing apps.
//
// The router exposes the following endpoints:
//   - GET /classes: advisory class snapshot from the read cache. Each entry
//     carries `enrolled` and `quota_reached` computed for the caller.
//   - POST /classes/{id}/enrollment, DELETE /classes/{id}/enrollment: enroll or
//     release the caller. Rejections answer with `{"error_code","message"}`
//     where error_code is the enrollment error kind.
//   - GET /me/weekly-enrollments?week=YYYY-MM-DD: advisory booking count and
//     remaining quota for the week containing the date (defaults to today).
//   - PUT /me/push-tokens: registers `{"token"}` as a device of the caller so
//     slot freed notifications can reach it.
//   - GET /classes/live: websocket stream of snapshots pushed on every cache
//     refresh. The token may be passed as `access_token` query parameter.
//   - GET /healthz: cache readiness and error flag.
//   - GET /metrics: Prometheus exposition.
//
// Member endpoints require a bearer token; the membership tier is read from
// the profile store.
package http
