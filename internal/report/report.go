// Package report assembles the structured crash report persisted for every
// captured fault.
package report

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/google/uuid"

	"github.com/hugo-lorenzo-mato/crashkit/internal/fault"
)

// DateTimeLayout is the fixed, locale-invariant layout of GeneralInfo.DateTime.
const DateTimeLayout = "01/02/2006 15:04:05"

// GeneralInfo holds denormalized summary fields for quick display.
// Only UserDescription changes after assembly.
type GeneralInfo struct {
	ReportID               string `json:"report_id"`
	HostApplication        string `json:"host_application"`
	HostApplicationVersion string `json:"host_application_version"`
	LibraryVersion         string `json:"library_version"`
	RuntimeVersion         string `json:"runtime_version"`
	DateTime               string `json:"date_time"`
	ExceptionType          string `json:"exception_type"`
	ExceptionMessage       string `json:"exception_message"`
	TargetSite             string `json:"target_site,omitempty"`
	UserDescription        string `json:"user_description,omitempty"`
}

// Environment describes the process that produced the report.
type Environment struct {
	OS         string `json:"os"`
	Arch       string `json:"arch"`
	NumCPU     int    `json:"num_cpu"`
	Goroutines int    `json:"goroutines"`
	PID        int    `json:"pid"`
	Hostname   string `json:"hostname,omitempty"`
	Executable string `json:"executable,omitempty"`
	WorkDir    string `json:"work_dir,omitempty"`
}

// Attachment is an ephemeral file registered during enrichment. It travels
// with the in-memory report only and is not part of the serialized form.
type Attachment struct {
	Dir  string
	Name string
}

// Report aggregates everything known about one fault.
type Report struct {
	GeneralInfo GeneralInfo     `json:"general_info"`
	Exception   *fault.Snapshot `json:"exception,omitempty"`
	CustomInfo  any             `json:"custom_info,omitempty"`
	Environment Environment     `json:"environment"`

	Attachments []Attachment `json:"-"`
}

// Attach registers an ephemeral file to be added to the archive.
func (r *Report) Attach(dir, name string) {
	r.Attachments = append(r.Attachments, Attachment{Dir: dir, Name: name})
}

// String returns a one-line summary used in logs and mail subjects.
func (r *Report) String() string {
	gi := r.GeneralInfo
	return fmt.Sprintf("%s (%s): %s @ %s", gi.HostApplication, gi.HostApplicationVersion, gi.ExceptionType, gi.TargetSite)
}

// Assemble builds a Report around snap. It never fails: metadata that cannot
// be read is left empty.
func Assemble(snap *fault.Snapshot) *Report {
	return AssembleAt(snap, time.Now())
}

// AssembleAt is Assemble with an explicit capture time.
func AssembleAt(snap *fault.Snapshot, now time.Time) *Report {
	meta := hostMetadata()
	r := &Report{
		GeneralInfo: GeneralInfo{
			ReportID:               uuid.NewString(),
			HostApplication:        meta.application,
			HostApplicationVersion: meta.applicationVersion,
			LibraryVersion:         meta.libraryVersion,
			RuntimeVersion:         runtime.Version(),
			DateTime:               now.UTC().Format(DateTimeLayout),
		},
		Exception:   snap,
		Environment: currentEnvironment(),
	}
	if snap != nil {
		r.GeneralInfo.ExceptionType = snap.Kind
		r.GeneralInfo.ExceptionMessage = snap.Message
		r.GeneralInfo.TargetSite = snap.TargetSite
		if r.GeneralInfo.TargetSite == "" && snap.Inner != nil {
			r.GeneralInfo.TargetSite = snap.Inner.TargetSite
		}
	}
	return r
}

func currentEnvironment() Environment {
	env := Environment{
		OS:         runtime.GOOS,
		Arch:       runtime.GOARCH,
		NumCPU:     runtime.NumCPU(),
		Goroutines: runtime.NumGoroutine(),
		PID:        os.Getpid(),
	}
	if h, err := os.Hostname(); err == nil {
		env.Hostname = h
	}
	if exe, err := os.Executable(); err == nil {
		env.Executable = exe
	}
	if wd, err := os.Getwd(); err == nil {
		env.WorkDir = wd
	}
	return env
}
