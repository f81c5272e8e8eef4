// Package kafkastream delivers queue metrics pushed by the pipeline over
// Kafka. It implements the monitor push subscription on top of a sarama
// consumer group; the monitor falls back to polling whenever the stream drops.
package kafkastream

import (
	"github.com/IBM/sarama"
	"github.com/code19m/errx"
)

const (
	newestOffset = "newest"
	oldestOffset = "oldest"
)

// Config holds configuration for the Kafka metrics subscription.
type Config struct {
	Brokers      string `yaml:"brokers"       validate:"required"`
	SaslUsername string `yaml:"sasl_username"`
	SaslPassword string `yaml:"sasl_password"                     mask:"true"`

	// Topic carrying metrics snapshots.
	Topic string `yaml:"topic" validate:"required"`

	// If not set defaults to the service name.
	GroupID string `yaml:"group_id"`

	KafkaVersion  string `yaml:"kafka_version"  default:"3.6.0"`
	InitialOffset string `yaml:"initial_offset" default:"newest" validate:"oneof=newest oldest"`

	// Buffer is the subscription channel depth. The monitor always wants the
	// newest snapshot, so a small buffer is enough.
	Buffer int `yaml:"buffer" default:"8"`
}

func (c *Config) getSaramaConfig(serviceName string) (*sarama.Config, error) {
	if c.GroupID == "" {
		c.GroupID = serviceName
	}
	if c.Buffer <= 0 {
		c.Buffer = 8
	}
	saramaConf := sarama.NewConfig()
	saramaConf.ClientID = c.GroupID
	version, err := sarama.ParseKafkaVersion(c.KafkaVersion)
	if err != nil {
		return nil, errx.Wrap(err)
	}
	saramaConf.Version = version

	// Currently support only SASL_PLAINTEXT authentication.
	if c.SaslUsername != "" && c.SaslPassword != "" {
		saramaConf.Net.SASL.Enable = true
		saramaConf.Net.SASL.User = c.SaslUsername
		saramaConf.Net.SASL.Password = c.SaslPassword
		saramaConf.Net.SASL.Mechanism = sarama.SASLTypePlaintext
	}

	switch c.InitialOffset {
	case newestOffset:
		saramaConf.Consumer.Offsets.Initial = sarama.OffsetNewest
	case oldestOffset:
		saramaConf.Consumer.Offsets.Initial = sarama.OffsetOldest
	default:
		return nil, errx.New("[kafkastream] unknown initial offset", errx.WithDetails(errx.D{
			"initial_offset": c.InitialOffset,
		}))
	}

	return saramaConf, nil
}
