package unit

import (
	"sort"
	"time"

	"github.com/loykin/unitd/internal/reli"
	"github.com/loykin/unitd/internal/store"
)

// Table names of the generic unit records. Renaming one breaks the
// persisted format.
const (
	TableBase   = "unit-base"
	TableLoad   = "unit-load"
	TableConf   = "unit-conf"
	TableCgroup = "unit-cgroup"
	TableChild  = "unit-child"
	TablePPS    = "unit-pps"
	TableDep    = "unit-dep"
	TableMng    = "unit-mng"
	TableJob    = "job"
)

type baseRecord struct {
	Type Type `json:"type"`
}

type confRecord struct {
	Conf  Conf     `json:"conf"`
	Paths []string `json:"paths,omitempty"`
}

type mngRecord struct {
	Invocation string      `json:"invocation,omitempty"`
	Active     ActiveState `json:"active"`
	Since      time.Time   `json:"since"`
}

// Re holds the persisted unit records, one table per record group.
type Re struct {
	base   *store.KV[string, baseRecord]
	load   *store.KV[string, LoadState]
	conf   *store.KV[string, confRecord]
	cgroup *store.KV[string, string]
	child  *store.KV[string, []int]
	pps    *store.KV[string, PPS]
	dep    *store.KV[string, map[string][]string]
	mng    *store.KV[string, mngRecord]
	job    *store.KV[string, JobRecord]
}

func newRe(rl *reli.Reliability) *Re {
	re := &Re{
		base:   store.NewKV[string, baseRecord](TableBase),
		load:   store.NewKV[string, LoadState](TableLoad),
		conf:   store.NewKV[string, confRecord](TableConf),
		cgroup: store.NewKV[string, string](TableCgroup),
		child:  store.NewKV[string, []int](TableChild),
		pps:    store.NewKV[string, PPS](TablePPS),
		dep:    store.NewKV[string, map[string][]string](TableDep),
		mng:    store.NewKV[string, mngRecord](TableMng),
		job:    store.NewKV[string, JobRecord](TableJob),
	}
	rl.HistoryRegister(TableBase, re.base)
	rl.HistoryRegister(TableLoad, re.load)
	rl.HistoryRegister(TableConf, re.conf)
	rl.HistoryRegister(TableCgroup, re.cgroup)
	rl.HistoryRegister(TableChild, re.child)
	rl.HistoryRegister(TablePPS, re.pps)
	rl.HistoryRegister(TableDep, re.dep)
	rl.HistoryRegister(TableMng, re.mng)
	rl.HistoryRegister(TableJob, re.job)
	return re
}

// baseKeys returns every unit id ever attached, sorted.
func (re *Re) baseKeys() []string {
	keys := re.base.Keys()
	sort.Strings(keys)
	return keys
}

// Remove drops every generic record of id. The running manager never calls
// it; units stay recorded for the manager's lifetime.
func (re *Re) Remove(id string) {
	re.base.Remove(id)
	re.load.Remove(id)
	re.conf.Remove(id)
	re.cgroup.Remove(id)
	re.child.Remove(id)
	re.pps.Remove(id)
	re.dep.Remove(id)
	re.mng.Remove(id)
	for _, k := range re.job.Keys() {
		if r, _ := re.job.Get(k); r.Unit == id {
			re.job.Remove(k)
		}
	}
}
