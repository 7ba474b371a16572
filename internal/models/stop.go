package models

import "go.mongodb.org/mongo-driver/bson/primitive"

// Stop is a point of interest a route passes through.
type Stop struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Name      string             `bson:"name" json:"name"`
	Latitude  float64            `bson:"latitude" json:"latitude"`
	Longitude float64            `bson:"longitude" json:"longitude"`
	IsActive  bool               `bson:"is_active" json:"is_active"`
}
