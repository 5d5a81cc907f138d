package parse

import "testing"

const realPackagesPlain = `package:com.google.android.youtube
package:com.android.vending
package:app.footos

`

const realPackagesWithPaths = `package:/data/app/~~3xU4rA==/app.footos-9Qz/base.apk=app.footos versionCode:42
package:/product/app/YouTube/YouTube.apk=com.google.android.youtube versionCode:1546310400
`

func TestPackagesPlain(t *testing.T) {
	records, err := Packages(realPackagesPlain, CategoryUser)
	if err != nil {
		t.Fatalf("Packages: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d records, want 3", len(records))
	}
	if records[0].Name != "com.google.android.youtube" {
		t.Errorf("record 0 = %+v", records[0])
	}
	for _, r := range records {
		if r.Category != CategoryUser {
			t.Errorf("category = %s, want user (derived from the listing variant)", r.Category)
		}
	}
}

func TestPackagesWithPathAndVersion(t *testing.T) {
	records, err := Packages(realPackagesWithPaths, CategorySystem)
	if err != nil {
		t.Fatalf("Packages: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}

	if records[0].Name != "app.footos" {
		t.Errorf("name = %q", records[0].Name)
	}
	if records[0].InstallPath != "/data/app/~~3xU4rA==/app.footos-9Qz/base.apk" {
		t.Errorf("install path = %q", records[0].InstallPath)
	}
	if records[0].VersionCode != 42 {
		t.Errorf("version code = %d, want 42", records[0].VersionCode)
	}
	if records[1].VersionCode != 1546310400 {
		t.Errorf("version code = %d", records[1].VersionCode)
	}
}

func TestPackagesSkipsNoise(t *testing.T) {
	out := "WARNING: linker: ...\n\npackage:com.example.app\n"
	records, err := Packages(out, CategoryUser)
	if err != nil {
		t.Fatalf("Packages: %v", err)
	}
	if len(records) != 1 || records[0].Name != "com.example.app" {
		t.Errorf("records = %+v", records)
	}
}

func TestMarkDisabled(t *testing.T) {
	records, _ := Packages(realPackagesPlain, CategoryUser)
	disabled, _ := Packages("package:app.footos\n", CategoryDisabled)

	MarkDisabled(records, disabled)

	for _, r := range records {
		want := CategoryUser
		if r.Name == "app.footos" {
			want = CategoryDisabled
		}
		if r.Category != want {
			t.Errorf("%s category = %s, want %s", r.Name, r.Category, want)
		}
	}
}
