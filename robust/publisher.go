package robust

import (
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// ResultSummary is the per-dataset entry of the combined results message
type ResultSummary struct {
	DatasetID   string    `json:"datasetId"`
	Model       ModelKind `json:"model"`
	InlierCount int       `json:"inlierCount"`
	Total       int       `json:"total"`
	Parameters  []float64 `json:"parameters"`
	Timestamp   int64     `json:"timestamp"`
}

// Publisher publishes estimation results to MQTT
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	latest        map[string]ResultSummary
	mu            sync.RWMutex
}

// NewPublisher creates a result publisher. The topic prefix comes from
// MQTT_PUBLISH_PREFIX, then prefix, then "ensemblefit".
func NewPublisher(client mqtt.Client, prefix string) *Publisher {
	return &Publisher{
		client:        client,
		publishPrefix: envOr("MQTT_PUBLISH_PREFIX", firstNonEmpty(prefix, "ensemblefit")),
		qos:           1,
		retain:        true,
		latest:        make(map[string]ResultSummary),
	}
}

// Prefix returns the topic prefix in use
func (p *Publisher) Prefix() string { return p.publishPrefix }

// ResultTopic returns the topic a dataset's full result is published on
func (p *Publisher) ResultTopic(datasetID string) string {
	return fmt.Sprintf("%s/%s/result", p.publishPrefix, datasetID)
}

// CombinedTopic returns the topic carrying the summary of all datasets
func (p *Publisher) CombinedTopic() string {
	return p.publishPrefix + "/results"
}

// PublishResult publishes the full result and refreshes the combined summary
func (p *Publisher) PublishResult(r *EstimateResult) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	p.mu.Lock()
	p.latest[r.DatasetID] = ResultSummary{
		DatasetID:   r.DatasetID,
		Model:       r.Model,
		InlierCount: r.InlierCount,
		Total:       r.Total,
		Parameters:  r.Parameters,
		Timestamp:   r.Timestamp.Unix(),
	}
	p.mu.Unlock()

	if err := p.publishJSON(p.ResultTopic(r.DatasetID), r); err != nil {
		log.Printf("[MQTT] publishing result for %s: %v", r.DatasetID, err)
		return err
	}
	log.Printf("[MQTT] published %s result: %d/%d inliers", r.DatasetID, r.InlierCount, r.Total)

	if err := p.publishCombined(); err != nil {
		log.Printf("[MQTT] publishing combined results: %v", err)
		return err
	}
	return nil
}

func (p *Publisher) publishCombined() error {
	p.mu.RLock()
	summaries := make([]ResultSummary, 0, len(p.latest))
	for _, s := range p.latest {
		summaries = append(summaries, s)
	}
	p.mu.RUnlock()
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].DatasetID < summaries[j].DatasetID })

	return p.publishJSON(p.CombinedTopic(), map[string]interface{}{
		"datasets":  summaries,
		"timestamp": time.Now().Unix(),
	})
}

func (p *Publisher) publishJSON(topic string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", topic, err)
	}
	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// Latest returns the last published summary for a dataset
func (p *Publisher) Latest(datasetID string) (ResultSummary, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.latest[datasetID]
	return s, ok
}

// Forget drops a dataset from the combined summary
func (p *Publisher) Forget(datasetID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.latest, datasetID)
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether published messages are retained by the broker
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}
