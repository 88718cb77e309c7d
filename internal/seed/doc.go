// Package seed serves published objects from a blob bucket over HTTP so
// that a node can act as a source for other downloaders.
//
// Routes:
//
//	GET  /ping          liveness, answers "pong"
//	GET  /info          node identity and the manifests in the bucket
//	GET  /data          the last payload posted to the mailbox
//	POST /data          replace the mailbox
//	GET  /files/{key}   an object, with Range and HEAD support
//
// A file published under "videos/a.mp4" is downloaded from
// http://host/files/videos/a.mp4.manifest.json; its shards resolve relative
// to that URL.
package seed
