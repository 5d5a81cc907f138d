package parse

import (
	"strconv"
	"strings"
)

// Category records which listing variant produced a package row. It is
// never re-derived from the package name.
type Category string

const (
	CategorySystem   Category = "system"
	CategoryUser     Category = "user"
	CategoryDisabled Category = "disabled"
)

// PackageRecord is one installed package from an inventory listing.
// VersionCode and InstallPath are filled when the listing variant
// carries them (`--show-versioncode`, `-f`). VersionName and SizeBytes
// only appear in per-package `dumpsys package` output, which the bulk
// listings never include; they stay zero until a caller runs that
// deeper query and fills them in.
type PackageRecord struct {
	Name        string
	VersionName string
	VersionCode int64
	SizeBytes   int64
	Category    Category
	InstallPath string
}

// Packages parses `pm list packages` output for one listing variant.
// Recognized line shapes:
//
//	package:com.example.app
//	package:/data/app/~~hash==/com.example.app-xyz/base.apk=com.example.app
//	package:com.example.app versionCode:42
//
// Lines that do not start with the package: prefix (warnings, blank
// lines) are skipped; a package: line that cannot be split is an Error.
func Packages(out string, category Category) ([]PackageRecord, error) {
	var records []PackageRecord
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "package:") {
			continue
		}
		body := strings.TrimPrefix(line, "package:")

		rec := PackageRecord{Category: category}

		// Trailing annotations: "versionCode:42 uid:10123 ..."
		fields := strings.Fields(body)
		if len(fields) == 0 {
			return nil, &Error{Line: line, Reason: "empty package entry"}
		}
		for _, f := range fields[1:] {
			if v, ok := strings.CutPrefix(f, "versionCode:"); ok {
				rec.VersionCode, _ = strconv.ParseInt(v, 10, 64)
			}
		}
		body = fields[0]

		// Path annotation from -f: "/path/base.apk=com.example.app".
		if idx := strings.LastIndex(body, "="); idx >= 0 && strings.HasPrefix(body, "/") {
			rec.InstallPath = body[:idx]
			rec.Name = body[idx+1:]
		} else {
			rec.Name = body
		}

		if rec.Name == "" {
			return nil, &Error{Line: line, Reason: "missing package name"}
		}
		records = append(records, rec)
	}
	return records, nil
}

// MarkDisabled flips matching records to the disabled category, using a
// separate `pm list packages -d` listing as the source of truth.
func MarkDisabled(records []PackageRecord, disabled []PackageRecord) {
	if len(disabled) == 0 {
		return
	}
	set := make(map[string]struct{}, len(disabled))
	for _, d := range disabled {
		set[d.Name] = struct{}{}
	}
	for i := range records {
		if _, ok := set[records[i].Name]; ok {
			records[i].Category = CategoryDisabled
		}
	}
}
