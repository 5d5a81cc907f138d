package parse

import "testing"

// Captured from a Pixel 7a (non-rooted). Trimmed to the sections the
// parser reads.
const realMeminfoDump = `Applications Memory Usage (in Kilobytes):
Uptime: 123456789 Realtime: 123456789

** MEMINFO in pid 20805 [app.footos] **
                   Pss  Private  Private  SwapPss      Rss     Heap     Heap     Heap
                 Total    Dirty    Clean    Dirty    Total     Size    Alloc     Free
                ------   ------   ------   ------   ------   ------   ------   ------
  Native Heap    43241    43224       12       18    44452    71308    62133     4802
  Dalvik Heap    13552    13528        8       49    15104    29301     4789    24512
        TOTAL   431653   322424    53644      132   585360   100609    66922    29314

 App Summary
                       Pss(KB)                        Rss(KB)
                        ------                         ------
           Java Heap:    21028                          33280
         Native Heap:    43241                          44452
                Code:    98416                         161412
               Stack:     1364                           1372
            Graphics:   224624                         224624
       Private Other:    30316
              System:    12664

           TOTAL PSS:   431653            TOTAL RSS:   585360       TOTAL SWAP PSS:      132

 Objects
               Views:      120         ViewRootImpl:        2
         AppContexts:        5           Activities:        3
`

func TestMeminfoParsesSummary(t *testing.T) {
	snap, err := Meminfo(realMeminfoDump)
	if err != nil {
		t.Fatalf("Meminfo: %v", err)
	}

	if snap.PSSTotalKB != 431653 {
		t.Errorf("PSSTotalKB = %d, want 431653", snap.PSSTotalKB)
	}
	if snap.JavaHeapKB == nil || *snap.JavaHeapKB != 21028 {
		t.Errorf("JavaHeapKB = %v, want 21028", snap.JavaHeapKB)
	}
	if snap.NativeHeapKB == nil || *snap.NativeHeapKB != 43241 {
		t.Errorf("NativeHeapKB = %v, want 43241", snap.NativeHeapKB)
	}
	if snap.GraphicsKB == nil || *snap.GraphicsKB != 224624 {
		t.Errorf("GraphicsKB = %v, want 224624", snap.GraphicsKB)
	}
	if snap.CodeKB == nil || *snap.CodeKB != 98416 {
		t.Errorf("CodeKB = %v, want 98416", snap.CodeKB)
	}
	if snap.StackKB == nil || *snap.StackKB != 1364 {
		t.Errorf("StackKB = %v, want 1364", snap.StackKB)
	}
}

func TestMeminfoThousandsSeparators(t *testing.T) {
	snap, err := Meminfo("App Summary\n   Java Heap:    1,234\n\n  TOTAL PSS: 12,345 kB\n")
	if err != nil {
		t.Fatalf("Meminfo: %v", err)
	}
	if snap.PSSTotalKB != 12345 {
		t.Errorf("PSSTotalKB = %d, want 12345", snap.PSSTotalKB)
	}
	if snap.JavaHeapKB == nil || *snap.JavaHeapKB != 1234 {
		t.Errorf("JavaHeapKB = %v, want 1234", snap.JavaHeapKB)
	}
}

func TestMeminfoMissingFieldIsAbsent(t *testing.T) {
	// A dump without a Native Heap row: the field must come back nil,
	// not 0, so callers can tell "unreported" apart from "0 kB".
	snap, err := Meminfo("App Summary\n   Java Heap:   500\n\n  TOTAL PSS:   900\n")
	if err != nil {
		t.Fatalf("Meminfo: %v", err)
	}
	if snap.NativeHeapKB != nil {
		t.Errorf("NativeHeapKB = %d, want nil (absent)", *snap.NativeHeapKB)
	}
	if snap.JavaHeapKB == nil {
		t.Error("JavaHeapKB should be present")
	}
}

func TestMeminfoDetailTableFallback(t *testing.T) {
	old := `** MEMINFO in pid 123 [com.old.app] **
  Native Heap    12345    ...
        TOTAL   100386     1856    15060    64499   142204
`
	snap, err := Meminfo(old)
	if err != nil {
		t.Fatalf("Meminfo: %v", err)
	}
	if snap.PSSTotalKB != 100386 {
		t.Errorf("PSSTotalKB = %d, want 100386", snap.PSSTotalKB)
	}
}

func TestMeminfoNoTotal(t *testing.T) {
	_, err := Meminfo("Uptime: 1 Realtime: 1\n\n")
	if err == nil {
		t.Fatal("expected error for dump with no TOTAL PSS")
	}
	if _, ok := err.(*Error); !ok {
		t.Fatalf("got %T, want *Error", err)
	}
}
