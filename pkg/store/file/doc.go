// Package file is the filesystem implementation of the store interfaces.
//
// On-disk layout, one directory per imposter port:
//
//	{datadir}/{port}/imposter.json
//	{datadir}/{port}/stubs/{n}/meta.json
//	{datadir}/{port}/stubs/{n}/responses/{m}.json
//	{datadir}/{port}/requests/{epoch}-{pid}-{counter}.json
//
// All files are UTF-8 JSON, pretty-printed with two-space indent. The
// header carries the imposter's configuration and its stub list; each
// stub's meta.json holds its response files and cycle cursor; request files
// accumulate under requests/ with globally unique names.
//
// Concurrency works through fine-grained advisory file locks rather than a
// global lock: the header lock covers stub-list mutations, a per-stub meta
// lock covers cursor advances, and response/request files are never locked.
// Plain reads are lock-free and tolerate stale state because stub directory
// names are stable for the stub's lifetime. Multi-file operations are not
// transactional; readers tolerate the documented torn states (orphan stub
// directories are garbage, header entries without meta surface an error).
package file
