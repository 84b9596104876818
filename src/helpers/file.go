package helpers

import (
	"fmt"
	"os"

	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"
)

// FileExists checks if a file exists and is not a directory
func FileExists(filename string, logger *zap.SugaredLogger) bool {
	info, err := os.Stat(filename)
	if err != nil {
		if !os.IsNotExist(err) && logger != nil {
			logger.Infof("Error checking file %s for existence: %s", filename, err)
		}
		return false
	}

	return !info.IsDir()
}

// EncodeBSON marshals a document into its BSON bytes.
func EncodeBSON(doc bson.M) ([]byte, error) {
	data, err := bson.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("error encoding BSON: %w", err)
	}
	return data, nil
}

// DecodeBSON unmarshals BSON bytes back into a document.
func DecodeBSON(data []byte) (bson.M, error) {
	var doc bson.M
	if err := bson.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("error decoding BSON: %w", err)
	}
	return doc, nil
}

// CloneDocument returns a deep copy of doc by round tripping it through BSON.
func CloneDocument(doc bson.M) (bson.M, error) {
	if doc == nil {
		return bson.M{}, nil
	}
	data, err := EncodeBSON(doc)
	if err != nil {
		return nil, err
	}
	return DecodeBSON(data)
}
