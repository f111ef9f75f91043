package diff

import (
	"testing"

	"github.com/duskbeacon/nsite/internal/walker"
)

func TestComputeUploadUnchangedDelete(t *testing.T) {
	local := []walker.Entry{
		{Path: "/a.txt", Hash: "h1"},
		{Path: "/b.txt", Hash: "h2new"},
		{Path: "/d.txt", Hash: "h4"},
	}
	remote := []Remote{
		{Path: "/a.txt", Hash: "h1"},
		{Path: "/b.txt", Hash: "h2old"},
		{Path: "/c.txt", Hash: "h3"},
	}

	got := Compute(local, remote)

	if len(got.Unchanged) != 1 || got.Unchanged[0].Path != "/a.txt" {
		t.Errorf("unchanged: want [/a.txt], got %+v", got.Unchanged)
	}
	if len(got.ToUpload) != 2 {
		t.Fatalf("upload: want 2, got %+v", got.ToUpload)
	}
	uploadPaths := map[string]bool{got.ToUpload[0].Path: true, got.ToUpload[1].Path: true}
	if !uploadPaths["/b.txt"] || !uploadPaths["/d.txt"] {
		t.Errorf("upload: want /b.txt and /d.txt, got %+v", got.ToUpload)
	}
	if len(got.ToDelete) != 1 || got.ToDelete[0].Path != "/c.txt" {
		t.Errorf("delete: want [/c.txt], got %+v", got.ToDelete)
	}
}

func TestComputeEmptyRemoteUploadsEverything(t *testing.T) {
	local := []walker.Entry{{Path: "/x.txt", Hash: "h1"}}
	got := Compute(local, nil)
	if len(got.ToUpload) != 1 || len(got.ToDelete) != 0 {
		t.Fatalf("want everything uploaded, got %+v", got)
	}
}

func TestComputeEmptyLocalDeletesEverything(t *testing.T) {
	remote := []Remote{{Path: "/x.txt", Hash: "h1"}}
	got := Compute(nil, remote)
	if len(got.ToDelete) != 1 || len(got.ToUpload) != 0 {
		t.Fatalf("want everything deleted, got %+v", got)
	}
}
