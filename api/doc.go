// Package api implements the REST gateway over the coordinator and the
// session manager.
//
// Every route except /health requires the API key header named by
// server.api_key_name. Submissions answer 202 with the task id and the URL
// to poll; execution failures are never returned synchronously, they are
// part of the polled task record.
//
// Routes:
//
//	POST /install                      {"session_id", "packages"}
//	POST /execute                      {"session_id", "code", "env"}
//	GET  /status/:task_type/:task_id
//	POST /upload                       multipart: session_id, file, optional path
//	GET  /download?session_id=&filename=
//	POST /terminate                    {"session_id"}
//	GET  /health
package api
