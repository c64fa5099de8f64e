package linestream

import rtmetrics "runtime/metrics"

// heapObjectsMetric はヒープ上のオブジェクトが占有するバイト数。
// runtime.ReadMemStatsと異なりstop-the-worldを伴わないため、行ごとに読み取れる。
const heapObjectsMetric = "/memory/classes/heap/objects:bytes"

type memorySampler struct {
	samples []rtmetrics.Sample
}

func newMemorySampler() *memorySampler {
	return &memorySampler{samples: []rtmetrics.Sample{{Name: heapObjectsMetric}}}
}

func (s *memorySampler) read() uint64 {
	rtmetrics.Read(s.samples)
	if s.samples[0].Value.Kind() != rtmetrics.KindUint64 {
		return 0
	}
	return s.samples[0].Value.Uint64()
}
